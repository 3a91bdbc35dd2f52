package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// Taxpayer is one record in the reference directory.
type Taxpayer struct {
	NIU    string
	Name   string
	Kind   string // person or company
	Center string
	Regime string
}

// Directory is the in-memory taxpayer directory service. It answers
// `search` with a candidate selection, `getDetails` with one record's
// fields, and `register` by minting a NIU for a new taxpayer.
type Directory struct {
	mu        sync.RWMutex
	taxpayers map[string]Taxpayer // key: NIU
	seq       int
}

// NewDirectory creates a directory seeded with reference records.
func NewDirectory() *Directory {
	d := &Directory{
		taxpayers: make(map[string]Taxpayer),
		seq:       200,
	}
	for _, tp := range []Taxpayer{
		{NIU: "P000000101", Name: "Jean Dupont", Kind: "person", Center: "CDI Yaounde 1", Regime: "igs"},
		{NIU: "P000000102", Name: "Jeanne Dupont", Kind: "person", Center: "CDI Yaounde 2", Regime: "igs"},
		{NIU: "P000000103", Name: "Marie Ngo Bell", Kind: "person", Center: "CDI Douala Bonanjo", Regime: "simplified"},
		{NIU: "P000000104", Name: "Dupont et Fils SARL", Kind: "company", Center: "CIME Douala", Regime: "real"},
		{NIU: "P000000105", Name: "Paul Essomba", Kind: "person", Center: "CDI Bafoussam", Regime: "igs"},
	} {
		d.taxpayers[tp.NIU] = tp
	}
	return d
}

// Call implements Handler.
func (d *Directory) Call(_ context.Context, method string, params map[string]any) (*model.ServiceReply, error) {
	switch method {
	case "search":
		return d.search(params), nil
	case "getDetails":
		return d.getDetails(params), nil
	case "register":
		return d.register(params), nil
	default:
		return nil, fmt.Errorf("taxpayer: unknown method %q", method)
	}
}

// search matches the query against names and NIU prefixes. Any number of
// hits comes back as a selection so the user confirms the identity.
func (d *Directory) search(params map[string]any) *model.ServiceReply {
	needle := strings.ToLower(strings.TrimSpace(model.ValueString(params["query"])))

	d.mu.RLock()
	var matched []Taxpayer
	if needle != "" {
		for _, tp := range d.taxpayers {
			if strings.Contains(strings.ToLower(tp.Name), needle) ||
				strings.HasPrefix(strings.ToLower(tp.NIU), needle) {
				matched = append(matched, tp)
			}
		}
	}
	d.mu.RUnlock()

	if len(matched) == 0 {
		return &model.ServiceReply{
			Success:     true,
			MessageType: model.ReplySelection,
			MessageKey:  "search.none_found",
			Data:        map[string]any{model.DataItems: []model.SelectionItem{}},
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	items := make([]model.SelectionItem, len(matched))
	for i, tp := range matched {
		items[i] = model.SelectionItem{
			ID:    tp.NIU,
			Label: tp.Name + " (" + tp.Center + ")",
			Value: map[string]any{"niu": tp.NIU},
		}
	}
	return &model.ServiceReply{
		Success:     true,
		MessageType: model.ReplySelection,
		Data: map[string]any{
			model.DataItems:        items,
			model.DataSelectMethod: "getDetails",
		},
	}
}

func (d *Directory) getDetails(params map[string]any) *model.ServiceReply {
	niu := model.ValueString(params["niu"])
	if niu == "" {
		niu = model.ValueString(params["selection_id"])
	}

	d.mu.RLock()
	tp, ok := d.taxpayers[niu]
	d.mu.RUnlock()
	if !ok {
		return &model.ServiceReply{
			Success:     false,
			MessageType: model.ReplyError,
			MessageKey:  "search.unknown_taxpayer",
		}
	}

	return &model.ServiceReply{
		Success: true,
		Data: map[string]any{
			"niu":    tp.NIU,
			"name":   tp.Name,
			"kind":   tp.Kind,
			"center": tp.Center,
			"regime": tp.Regime,
		},
	}
}

// register mints a NIU for a new taxpayer. A name already on file asks the
// user to try again, keeping the fields that are still good.
func (d *Directory) register(params map[string]any) *model.ServiceReply {
	name := strings.TrimSpace(model.ValueString(params["name"]))
	kind := model.ValueString(params["taxpayer_type"])
	if kind == "" {
		kind = "person"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, tp := range d.taxpayers {
		if strings.EqualFold(tp.Name, name) {
			return &model.ServiceReply{
				Success:     false,
				MessageType: model.ReplyRetry,
				MessageKey:  "register.duplicate",
				Data:        map[string]any{model.DataKeep: []string{"taxpayer_type", "phone"}},
			}
		}
	}

	regime := "igs"
	if kind == "company" {
		regime = "simplified"
	}
	d.seq++
	niu := fmt.Sprintf("P%09d", d.seq)
	d.taxpayers[niu] = Taxpayer{
		NIU:    niu,
		Name:   name,
		Kind:   kind,
		Center: "CDI Yaounde 1",
		Regime: regime,
	}

	return &model.ServiceReply{
		Success:       true,
		MessageType:   model.ReplyCompletion,
		MessageKey:    "register.complete",
		MessageParams: map[string]any{"niu": niu, "name": name},
		Data:          map[string]any{"niu": niu, "name": name},
	}
}
