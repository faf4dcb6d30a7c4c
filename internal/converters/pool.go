package converters

import (
	"context"
	"log/slog"
	"sort"
)

// Pool is the set of converters whose dependencies were present at startup.
// It is read-only after NewPool returns.
type Pool struct {
	members []Converter
	skipped map[string][]string
	logger  *slog.Logger
}

// NewPool checks every candidate and keeps the usable ones ordered by
// priority. Ties keep registration order.
func NewPool(ctx context.Context, logger *slog.Logger, candidates ...Converter) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{skipped: map[string][]string{}, logger: logger.With("component", "converter_pool")}
	for _, c := range candidates {
		if c == nil {
			continue
		}
		ok, missing := c.CheckDependencies(ctx)
		if !ok {
			p.skipped[c.Name()] = missing
			p.logger.Warn("converter unavailable, skipping", "converter", c.Name(), "missing", missing)
			continue
		}
		p.members = append(p.members, c)
		p.logger.Info("converter registered", "converter", c.Name(), "priority", c.Priority())
	}
	sort.SliceStable(p.members, func(i, j int) bool {
		return p.members[i].Priority() < p.members[j].Priority()
	})
	if len(p.members) == 0 {
		p.logger.Error("converter pool is empty, every conversion will fail")
	}
	return p
}

// Select returns the preferred converter for the pair or nil.
func (p *Pool) Select(in, out string) Converter {
	for _, c := range p.members {
		if c.CanConvert(in, out) {
			return c
		}
	}
	return nil
}

func (p *Pool) Supports(in, out string) bool {
	return p.Select(in, out) != nil
}

// Candidates lists every member able to handle the pair, in preference order.
func (p *Pool) Candidates(in, out string) []Converter {
	var res []Converter
	for _, c := range p.members {
		if c.CanConvert(in, out) {
			res = append(res, c)
		}
	}
	return res
}

// Names lists members in preference order.
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.members))
	for _, c := range p.members {
		names = append(names, c.Name())
	}
	return names
}

// Skipped maps excluded converters to what they were missing.
func (p *Pool) Skipped() map[string][]string {
	res := make(map[string][]string, len(p.skipped))
	for k, v := range p.skipped {
		res[k] = append([]string(nil), v...)
	}
	return res
}

func (p *Pool) Len() int { return len(p.members) }
