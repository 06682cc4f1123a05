package card

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal card JSON: %v\n%s", err, raw)
	}
	return m
}

func TestCardHeaderAndColor(t *testing.T) {
	c := New("授权请求", ColorOrange)
	raw, err := c.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	m := decode(t, raw)
	header := m["header"].(map[string]any)
	if header["template"] != ColorOrange {
		t.Errorf("template = %v, want %v", header["template"], ColorOrange)
	}
	title := header["title"].(map[string]any)
	if title["content"] != "授权请求" {
		t.Errorf("title content = %v, want 授权请求", title["content"])
	}
}

func TestCardElementsOrderPreserved(t *testing.T) {
	c := New("t", ColorBlue).Add(
		Text{Content: "line one"},
		Text{Content: "line two"},
	)
	raw, _ := c.JSON()
	m := decode(t, raw)
	elems := m["elements"].([]any)
	if len(elems) != 2 {
		t.Fatalf("len(elements) = %d, want 2", len(elems))
	}
	first := elems[0].(map[string]any)
	text := first["text"].(map[string]any)
	if text["content"] != "line one" {
		t.Errorf("first element content = %v, want %q", text["content"], "line one")
	}
}

func TestButtonCarriesNameAndValue(t *testing.T) {
	c := New("t", ColorGreen).Add(ButtonGroup{Buttons: []Button{
		{Text: "Approve", Name: "approve", Value: map[string]any{"owner_id": "ou_1"}, Color: "primary"},
		{Text: "Deny", Name: "deny"},
	}})
	raw, _ := c.JSON()
	m := decode(t, raw)
	elems := m["elements"].([]any)
	group := elems[0].(map[string]any)
	actions := group["actions"].([]any)
	if len(actions) != 2 {
		t.Fatalf("len(actions) = %d, want 2", len(actions))
	}
	approve := actions[0].(map[string]any)
	if approve["name"] != "approve" || approve["type"] != "primary" {
		t.Errorf("approve button = %+v", approve)
	}
	value := approve["value"].(map[string]any)
	if value["owner_id"] != "ou_1" {
		t.Errorf("button value = %+v, want owner_id=ou_1", value)
	}

	deny := actions[1].(map[string]any)
	if deny["type"] != "default" {
		t.Errorf("deny button type = %v, want default (unset falls back)", deny["type"])
	}
}

func TestSelectStaticOptions(t *testing.T) {
	c := New("t", ColorBlue).Add(SelectStatic{
		Placeholder: "choose a directory",
		Name:        "dir",
		Options: []SelectOption{
			{Text: "~/proj-a", Value: "/home/u/proj-a"},
			{Text: "~/proj-b", Value: "/home/u/proj-b"},
		},
	})
	raw, _ := c.JSON()
	m := decode(t, raw)
	elems := m["elements"].([]any)
	sel := elems[0].(map[string]any)
	if sel["name"] != "dir" {
		t.Errorf("name = %v, want dir", sel["name"])
	}
	opts := sel["options"].([]any)
	if len(opts) != 2 {
		t.Fatalf("len(options) = %d, want 2", len(opts))
	}
	first := opts[0].(map[string]any)
	if first["value"] != "/home/u/proj-a" {
		t.Errorf("first option value = %v", first["value"])
	}
}

func TestColumnSetWrapsElements(t *testing.T) {
	c := New("t", ColorBlue).Add(ColumnSet{Columns: []Element{
		Text{Content: "left"},
		Text{Content: "right"},
	}})
	raw, _ := c.JSON()
	m := decode(t, raw)
	elems := m["elements"].([]any)
	cs := elems[0].(map[string]any)
	cols := cs["columns"].([]any)
	if len(cols) != 2 {
		t.Fatalf("len(columns) = %d, want 2", len(cols))
	}
}

func TestInputMultiline(t *testing.T) {
	c := New("t", ColorBlue).Add(Input{Placeholder: "prompt", Name: "prompt", Multiline: true})
	raw, _ := c.JSON()
	m := decode(t, raw)
	elems := m["elements"].([]any)
	input := elems[0].(map[string]any)
	if input["multiline"] != true {
		t.Errorf("multiline = %v, want true", input["multiline"])
	}
	if input["name"] != "prompt" {
		t.Errorf("name = %v, want prompt", input["name"])
	}
}
