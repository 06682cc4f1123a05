// Package card builds Feishu/Lark interactive-card JSON through a small
// typed builder rather than hand-assembled maps: header, column_set,
// select_static, button, and input element constructors that compose into
// a Card and marshal to the wire shape the IM expects as a message's
// "content".
package card

import "encoding/json"

// Color names accepted by the IM's header template.
const (
	ColorBlue   = "blue"
	ColorGreen  = "green"
	ColorRed    = "red"
	ColorOrange = "orange"
	ColorGrey   = "grey"
)

// Element is any card body element that can marshal itself into the IM's
// schema-2.0 element shape.
type Element interface {
	element() map[string]any
}

// Card is the top-level interactive message payload.
type Card struct {
	header   map[string]any
	elements []Element
}

// New starts a card with the given header title and accent color.
func New(title, color string) *Card {
	return &Card{
		header: map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": title},
			"template": color,
		},
	}
}

// Add appends one or more elements to the card body, in order.
func (c *Card) Add(elems ...Element) *Card {
	c.elements = append(c.elements, elems...)
	return c
}

// JSON marshals the card to the schema-2.0 content string sent as an
// interactive message's content field.
func (c *Card) JSON() (string, error) {
	elements := make([]map[string]any, 0, len(c.elements))
	for _, e := range c.elements {
		elements = append(elements, e.element())
	}
	payload := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"header":   c.header,
		"elements": elements,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Text is a plain markdown text block.
type Text struct {
	Content string
}

func (t Text) element() map[string]any {
	return map[string]any{
		"tag":  "div",
		"text": map[string]any{"tag": "lark_md", "content": t.Content},
	}
}

// ColumnSet lays out its columns side by side, each a fixed-width column
// wrapping one element.
type ColumnSet struct {
	Columns []Element
}

func (cs ColumnSet) element() map[string]any {
	cols := make([]map[string]any, 0, len(cs.Columns))
	for _, e := range cs.Columns {
		cols = append(cols, map[string]any{
			"tag":      "column",
			"elements": []map[string]any{e.element()},
		})
	}
	return map[string]any{
		"tag":     "column_set",
		"columns": cols,
	}
}

// SelectOption is one entry of a SelectStatic dropdown.
type SelectOption struct {
	Text  string
	Value string
}

// SelectStatic is a dropdown of static options with an action name and
// value echoed back on card.action.trigger.
type SelectStatic struct {
	Placeholder string
	Name        string
	Options     []SelectOption
}

func (s SelectStatic) element() map[string]any {
	opts := make([]map[string]any, 0, len(s.Options))
	for _, o := range s.Options {
		opts = append(opts, map[string]any{
			"text":  map[string]any{"tag": "plain_text", "content": o.Text},
			"value": o.Value,
		})
	}
	return map[string]any{
		"tag":         "select_static",
		"placeholder": map[string]any{"tag": "plain_text", "content": s.Placeholder},
		"name":        s.Name,
		"options":     opts,
	}
}

// Button is a clickable action element; Value is echoed back in the
// card.action.trigger payload alongside Name.
type Button struct {
	Text  string
	Name  string
	Value map[string]any
	Color string // default "default", or "primary"/"danger"
}

func (b Button) element() map[string]any {
	color := b.Color
	if color == "" {
		color = "default"
	}
	return map[string]any{
		"tag":   "button",
		"text":  map[string]any{"tag": "plain_text", "content": b.Text},
		"type":  color,
		"name":  b.Name,
		"value": b.Value,
	}
}

// ButtonGroup renders several buttons side by side in one action row.
type ButtonGroup struct {
	Buttons []Button
}

func (g ButtonGroup) element() map[string]any {
	actions := make([]map[string]any, 0, len(g.Buttons))
	for _, b := range g.Buttons {
		actions = append(actions, b.element())
	}
	return map[string]any{
		"tag":     "action",
		"actions": actions,
	}
}

// Input is a free-text field, used for the custom-directory-path prompt
// and the agent command/prompt fields.
type Input struct {
	Placeholder string
	Name        string
	Multiline   bool
}

func (i Input) element() map[string]any {
	return map[string]any{
		"tag":         "input",
		"name":        i.Name,
		"placeholder": map[string]any{"tag": "plain_text", "content": i.Placeholder},
		"multiline":   i.Multiline,
	}
}
