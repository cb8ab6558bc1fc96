/*
Package tree implements the authoritative State Tree.

Every mutation of a node feature appends one change record to the node's
pending log. Flush drains the logs in the order nodes first became dirty.
Attaching a subtree replays the full state of each of its nodes, so a renderer
never needs history it did not see.

All mutations run inside Tree.Write:

	err := t.Write(func() error {
		li := t.CreateElement("li")
		if err := li.SetText("buy milk"); err != nil {
			return err
		}
		return t.Root().AppendChild(li)
	})
	changes := t.Flush()
*/
package tree
