package mvsep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/cwygoda/sepq/internal/adapter/transport"
	"github.com/cwygoda/sepq/internal/domain"
)

// maxOptionFields is how many add_optN parameters the API accepts.
const maxOptionFields = 3

type wireAlgorithm struct {
	RenderID     flexInt           `json:"render_id"`
	Name         string            `json:"name"`
	GroupID      flexInt           `json:"algorithm_group_id"`
	Fields       []json.RawMessage `json:"algorithm_fields"`
	Descriptions []json.RawMessage `json:"algorithm_descriptions"`
}

type wireField struct {
	Name    string          `json:"name"`
	Text    string          `json:"text"`
	Options json.RawMessage `json:"options"`
}

type wireDescription struct {
	Short string `json:"short_description"`
	Lang  string `json:"lang"`
}

// flexInt accepts both 20 and "20".
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*n = flexInt(v)
	return nil
}

// ListAlgorithms fetches the algorithm catalog sorted by ID. Elements that
// are not objects or do not decode are skipped.
func (c *Client) ListAlgorithms(ctx context.Context) (*domain.Catalog, error) {
	resp, err := c.t.Send(ctx, transport.Request{Method: http.MethodGet, URL: c.endpoint(endpointAlgorithms)})
	if err != nil {
		return nil, wrapTransport(endpointAlgorithms, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return nil, malformed(endpointAlgorithms, "expected array: %w", err)
	}

	catalog := &domain.Catalog{Algorithms: make([]domain.Algorithm, 0, len(items))}
	for i, raw := range items {
		if !isObject(raw) {
			log.Printf("mvsep: algorithms[%d]: skipping non-object entry", i)
			continue
		}
		var w wireAlgorithm
		if err := json.Unmarshal(raw, &w); err != nil {
			log.Printf("mvsep: algorithms[%d]: skipping: %v", i, err)
			continue
		}
		catalog.Algorithms = append(catalog.Algorithms, w.toDomain())
	}

	slices.SortStableFunc(catalog.Algorithms, func(a, b domain.Algorithm) int {
		return a.ID - b.ID
	})
	return catalog, nil
}

func (w wireAlgorithm) toDomain() domain.Algorithm {
	a := domain.Algorithm{ID: int(w.RenderID), Name: w.Name, GroupID: int(w.GroupID)}
	for _, raw := range w.Fields {
		if len(a.Fields) == maxOptionFields {
			break
		}
		var f wireField
		if !isObject(raw) || json.Unmarshal(raw, &f) != nil {
			continue
		}
		a.Fields = append(a.Fields, domain.OptionField{
			Name:    f.Name,
			Text:    f.Text,
			Choices: parseChoices(f.Options),
		})
	}
	for _, raw := range w.Descriptions {
		var d wireDescription
		if !isObject(raw) || json.Unmarshal(raw, &d) != nil {
			continue
		}
		a.Descriptions = append(a.Descriptions, domain.Description{Short: d.Short, Lang: d.Lang})
	}
	return a
}

// parseChoices decodes a field's options, which the API sends as a
// JSON-encoded string holding an object, or occasionally as the object itself.
func parseChoices(raw json.RawMessage) []domain.OptionChoice {
	var encoded string
	if json.Unmarshal(raw, &encoded) == nil {
		raw = json.RawMessage(encoded)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}

	choices := make([]domain.OptionChoice, 0, len(m))
	for k, v := range m {
		label, ok := v.(string)
		if !ok {
			label = fmt.Sprint(v)
		}
		choices = append(choices, domain.OptionChoice{Key: k, Label: label})
	}
	slices.SortFunc(choices, func(a, b domain.OptionChoice) int {
		return compareKeys(a.Key, b.Key)
	})
	return choices
}

// compareKeys orders numeric keys numerically and everything else lexically.
func compareKeys(a, b string) int {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return ai - bi
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
