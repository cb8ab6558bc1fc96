// Package demo is a small todo list built only on the public session, tree and
// template APIs. The CLI serves it and the end-to-end tests drive it.
package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/session"
	"github.com/aretw0/lattice/pkg/template"
	"github.com/aretw0/lattice/pkg/tree"
)

// TodoItemTemplate is the template id of a list entry.
const TodoItemTemplate = 1

// Templates returns the descriptors the app binds to. Authority and renderer
// must both register them.
func Templates() []template.Descriptor {
	return []template.Descriptor{{
		ID:  TodoItemTemplate,
		Tag: "li",
		Bindings: []template.Binding{
			{Key: "title", Kind: template.BindText},
			{Key: "title", Target: "title", Kind: template.BindAttribute},
		},
		Classes:       []string{"todo"},
		ClassBindings: []template.ClassBinding{{Key: "done", Class: "completed"}},
		Events: map[string][]string{
			"click":    {"$server.toggle()"},
			"dblclick": {"$server.remove(model.title)"},
		},
		Model: []string{"title", "done"},
	}}
}

type app struct {
	input *tree.Node
	list  *tree.Node
	count *tree.Node
	clear *tree.Node
}

// Init returns a session.InitFunc that mounts a fresh todo list seeded with items.
func Init(items ...string) session.InitFunc {
	return func(ctx context.Context, s *session.Session) error {
		a := &app{}
		s.HandleFunc("toggle", a.toggle)
		s.HandleFunc("remove", a.remove)
		return s.Update(ctx, func(tr *tree.Tree) error {
			if err := a.build(tr); err != nil {
				return err
			}
			for _, title := range items {
				if err := a.addItem(tr, title); err != nil {
					return err
				}
			}
			return a.refresh()
		})
	}
}

func (a *app) build(tr *tree.Tree) error {
	section := tr.CreateElement("section")
	heading := tr.CreateElement("h1")
	a.input = tr.CreateElement("input")
	a.list = tr.CreateElement("ul")
	footer := tr.CreateElement("footer")
	a.count = tr.CreateElement("span")
	a.clear = tr.CreateElement("button")

	steps := []func() error{
		func() error { return section.AddClass("todoapp") },
		func() error { return heading.SetText("todos") },
		func() error { return a.input.AddClass("new-todo") },
		func() error { return a.input.SetAttribute("placeholder", "What needs to be done?") },
		func() error { return a.input.AddEventListener("change", []string{"value"}, a.add) },
		func() error { return a.list.AddClass("todo-list") },
		func() error { return a.count.AddClass("todo-count") },
		func() error { return a.clear.AddClass("clear-completed") },
		func() error { return a.clear.SetText("Clear completed") },
		func() error { return a.clear.AddEventListener("click", nil, a.clearCompleted) },
		func() error { return footer.AppendChild(a.count) },
		func() error { return footer.AppendChild(a.clear) },
		func() error { return section.AppendChild(heading) },
		func() error { return section.AppendChild(a.input) },
		func() error { return section.AppendChild(a.list) },
		func() error { return section.AppendChild(footer) },
		func() error { return tr.Root().AppendChild(section) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("build todo app: %w", err)
		}
	}
	return nil
}

func (a *app) addItem(tr *tree.Tree, title string) error {
	item := tr.CreateNode()
	if err := item.BindTemplate(TodoItemTemplate); err != nil {
		return err
	}
	if err := item.SetModel("title", title); err != nil {
		return err
	}
	if err := item.SetModel("done", false); err != nil {
		return err
	}
	return a.list.AppendChild(item)
}

func (a *app) add(ev *tree.Event) error {
	title := strings.TrimSpace(domain.FormatValue(ev.Data["value"]))
	if title == "" {
		return nil
	}
	if err := a.addItem(ev.Node.Tree(), title); err != nil {
		return err
	}
	if err := a.input.SetProperty("value", ""); err != nil {
		return err
	}
	return a.refresh()
}

func (a *app) toggle(ev *tree.Event) error {
	done := domain.Truthy(ev.Node.Model()["done"])
	if err := ev.Node.SetModel("done", !done); err != nil {
		return err
	}
	return a.refresh()
}

func (a *app) remove(ev *tree.Event) error {
	if ev.Node.Parent() != a.list {
		return nil
	}
	if err := a.list.RemoveChild(ev.Node); err != nil {
		return err
	}
	return a.refresh()
}

func (a *app) clearCompleted(*tree.Event) error {
	for _, item := range a.list.Children() {
		if domain.Truthy(item.Model()["done"]) {
			if err := a.list.RemoveChild(item); err != nil {
				return err
			}
		}
	}
	return a.refresh()
}

// refresh updates the footer from the list.
func (a *app) refresh() error {
	open, done := 0, 0
	for _, item := range a.list.Children() {
		if domain.Truthy(item.Model()["done"]) {
			done++
		} else {
			open++
		}
	}
	noun := "items"
	if open == 1 {
		noun = "item"
	}
	if err := a.count.SetText(fmt.Sprintf("%d %s left", open, noun)); err != nil {
		return err
	}
	if done == 0 {
		return a.clear.SetStyle("display", "none")
	}
	a.clear.RemoveStyle("display")
	return nil
}
