package crawler

import (
	"fmt"
)

// ShardSpec partitions the page numbers of one source across workers. Page p
// belongs to shard Index when (p-1) mod Total == Index. The zero value is a
// single shard that owns every page.
type ShardSpec struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// Normalize maps the zero value to the single-shard form.
func (s ShardSpec) Normalize() ShardSpec {
	if s.Total == 0 && s.Index == 0 {
		return ShardSpec{Index: 0, Total: 1}
	}
	return s
}

// Validate rejects shard specs that would leave pages unowned.
func (s ShardSpec) Validate() error {
	n := s.Normalize()
	if n.Total < 1 {
		return &ConfigurationError{Field: "shard.total", Reason: "must be > 0"}
	}
	if n.Index < 0 || n.Index >= n.Total {
		return &ConfigurationError{Field: "shard.index", Reason: fmt.Sprintf("must be in [0,%d)", n.Total)}
	}
	return nil
}

// Owns reports whether page p falls into this shard.
func (s ShardSpec) Owns(p int) bool {
	n := s.Normalize()
	if p < 1 || n.Total < 1 {
		return false
	}
	return (p-1)%n.Total == n.Index
}

func (s ShardSpec) String() string {
	n := s.Normalize()
	return fmt.Sprintf("%d/%d", n.Index, n.Total)
}

// Shards returns every shard of a partition into total parts.
func Shards(total int) []ShardSpec {
	if total < 1 {
		total = 1
	}
	out := make([]ShardSpec, total)
	for i := range out {
		out[i] = ShardSpec{Index: i, Total: total}
	}
	return out
}
