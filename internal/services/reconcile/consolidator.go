package reconcile

import (
	"strings"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
)

// InvoiceLine is one logical invoice of a manifest with every event the
// listing reported for it.
type InvoiceLine struct {
	AccessKey string
	Number    string
	Events    []tms.OccurrenceRecord
}

type Consolidated struct {
	order   []string
	byKey   map[string]*InvoiceLine
	Dropped int
}

// Consolidate groups listing records by access key in first-seen order.
// When the invoice number disagrees between records, the last non-empty one
// wins. Records without a key are counted in Dropped.
func Consolidate(recs []tms.OccurrenceRecord) *Consolidated {
	c := &Consolidated{byKey: make(map[string]*InvoiceLine, len(recs))}
	for _, r := range recs {
		line := c.Add(r.Invoice.Key.String(), r.Invoice.Number.String())
		if line == nil {
			c.Dropped++
			continue
		}
		line.Events = append(line.Events, r)
	}
	return c
}

// Add registers a key that may have no events, such as one carried by the
// manifest lookup rows. It returns nil for an empty key.
func (c *Consolidated) Add(key, number string) *InvoiceLine {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	number = strings.TrimSpace(number)

	line, ok := c.byKey[key]
	if !ok {
		line = &InvoiceLine{AccessKey: key}
		c.byKey[key] = line
		c.order = append(c.order, key)
	}
	if number != "" {
		line.Number = number
	}
	return line
}

func (c *Consolidated) Len() int { return len(c.order) }

func (c *Consolidated) Keys() []string {
	return append([]string(nil), c.order...)
}

func (c *Consolidated) Lines() []*InvoiceLine {
	out := make([]*InvoiceLine, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.byKey[k])
	}
	return out
}

func (c *Consolidated) Get(key string) (*InvoiceLine, bool) {
	l, ok := c.byKey[key]
	return l, ok
}
