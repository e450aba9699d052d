package cloud

import (
	"sort"
	"strconv"
	"time"
)

// Tags is a provider tag set.
type Tags map[string]string

// Tag keys written by the core under its namespace.
const (
	TagManaged   = "managed"
	TagComponent = "component"
	TagCreated   = "created"
)

// TagDisplayName is the un-namespaced key consoles show as the resource name.
const TagDisplayName = "Name"

// Namespace builds namespaced tag keys such as "ec2-cli:managed".
type Namespace string

// Key returns the namespaced key for suffix.
func (n Namespace) Key(suffix string) string {
	return string(n) + ":" + suffix
}

// Managed returns the canonical discovery tag set for a component.
func (n Namespace) Managed(component string) Tags {
	return Tags{
		n.Key(TagManaged):   "true",
		n.Key(TagComponent): component,
	}
}

// Stamp returns a copy of t with the creation time tag set.
func (n Namespace) Stamp(t Tags, now time.Time) Tags {
	out := t.Merge(nil)
	out[n.Key(TagCreated)] = strconv.FormatInt(now.UnixNano(), 10)
	return out
}

// Merge returns a new tag set with extra layered over t.
func (t Tags) Merge(extra Tags) Tags {
	out := make(Tags, len(t)+len(extra))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Matches reports whether t contains every key/value in want.
func (t Tags) Matches(want Tags) bool {
	for k, v := range want {
		if t[k] != v {
			return false
		}
	}
	return true
}

// Keys returns the tag keys in sorted order.
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Oldest orders resources by the namespace creation tag, then by id, and
// returns the first. Resources without the tag sort last.
func (n Namespace) Oldest(rs []Resource) (Resource, bool) {
	if len(rs) == 0 {
		return Resource{}, false
	}
	sorted := make([]Resource, len(rs))
	copy(sorted, rs)
	key := n.Key(TagCreated)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, erri := strconv.ParseInt(sorted[i].Tags[key], 10, 64)
		tj, errj := strconv.ParseInt(sorted[j].Tags[key], 10, 64)
		switch {
		case erri == nil && errj != nil:
			return true
		case erri != nil && errj == nil:
			return false
		case erri == nil && errj == nil && ti != tj:
			return ti < tj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], true
}
