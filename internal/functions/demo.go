package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DemoItem is a record in the in-process demo catalogue.
type DemoItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type demoCatalogue struct {
	mu    sync.Mutex
	items map[string]DemoItem
	next  int
}

// DemoDefinitions returns the demo.listItems, demo.getItem and
// demo.createItem functions backed by a fresh in-memory catalogue. They let a
// local gateway run end to end without a host application.
func DemoDefinitions() []Definition {
	c := &demoCatalogue{items: map[string]DemoItem{
		"1": {ID: "1", Title: "First item"},
		"2": {ID: "2", Title: "Second item"},
	}, next: 3}

	return []Definition{
		{
			Key:      "demo.listItems",
			Type:     Query,
			Handle:   InvocableFunc(c.list),
			Metadata: Metadata{Description: "List demo items", RiskLevel: "low", Category: "demo"},
		},
		{
			Key:      "demo.getItem",
			Type:     Query,
			Handle:   InvocableFunc(c.get),
			Metadata: Metadata{Description: "Get a demo item by id", RiskLevel: "low", Category: "demo"},
		},
		{
			Key:      "demo.createItem",
			Type:     Mutation,
			Handle:   InvocableFunc(c.create),
			Metadata: Metadata{Description: "Create a demo item", RiskLevel: "medium", Category: "demo"},
		},
	}
}

func (c *demoCatalogue) list(ctx context.Context, _ map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]DemoItem, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (c *demoCatalogue) get(ctx context.Context, args map[string]any) (any, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return nil, errors.New("id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return nil, fmt.Errorf("item %q not found", id)
	}
	return it, nil
}

func (c *demoCatalogue) create(ctx context.Context, args map[string]any) (any, error) {
	title, _ := args["title"].(string)
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it := DemoItem{ID: fmt.Sprint(c.next), Title: title}
	c.next++
	c.items[it.ID] = it
	return it, nil
}
