// Package template compiles template descriptors and resolves them for a model.
//
// Event expressions are parsed once per template into closures:
//
//	element.checked = event.checked
//	$server.toggle(model.id)
package template
