// Package route implements route compilation and matching: a route pairs a
// compiled path pattern and event mask with a scheduler that fans matched
// events out to a transport.
package route

import (
	"fmt"
	"regexp"

	"github.com/inocore/inocore/pkg/ievent"
	"github.com/inocore/inocore/pkg/schedule"
)

// AliasResolver mirrors the watch manager's ResolveAliases: every path that
// refers to the same watched object as its argument. Routes depend on this
// narrow interface rather than *watch.Manager so they can be tested without
// a live inotify instance.
type AliasResolver interface {
	ResolveAliases(path string) []string
}

// Config is a route's compile-time definition, typically parsed from
// configuration.
type Config struct {
	Tag     string
	Pattern string
	Mask    ievent.Mask
	Format  string
	Scheduler schedule.Scheduler
}

// Route is a compiled Config: Pattern has become a *regexp.Regexp applied
// via full-match against the raw byte path, per spec's route semantics.
type Route struct {
	Tag       string
	Pattern   *regexp.Regexp
	Mask      ievent.Mask
	Format    string
	Scheduler schedule.Scheduler
}

// Compile builds the full-match regexp for each configured route once, at
// start, failing fast on any invalid pattern rather than skipping it
// silently.
func Compile(configs []Config) ([]*Route, error) {
	routes := make([]*Route, 0, len(configs))
	for _, c := range configs {
		expr := "^(?:" + c.Pattern + ")$"
		compiled, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("route %q: invalid pattern %q: %w", c.Tag, c.Pattern, err)
		}
		routes = append(routes, &Route{
			Tag:       c.Tag,
			Pattern:   compiled,
			Mask:      c.Mask,
			Format:    c.Format,
			Scheduler: c.Scheduler,
		})
	}
	return routes, nil
}

// matches reports whether route matches event: the mask must intersect, and
// either the src path, the dest path (if any), or any alias of the src path
// must full-match the pattern.
func (r *Route) matches(event *ievent.Event, resolver AliasResolver) bool {
	if r.Mask&event.Mask == 0 {
		return false
	}
	if r.Pattern.MatchString(event.SrcPath) {
		return true
	}
	if event.DestPath != "" && r.Pattern.MatchString(event.DestPath) {
		return true
	}
	if resolver == nil {
		return false
	}
	for _, alias := range resolver.ResolveAliases(event.SrcPath) {
		if r.Pattern.MatchString(alias) {
			return true
		}
	}
	return false
}

// Select returns every route in routes whose mask intersects event.Mask and
// whose pattern matches event's src path, dest path, or any alias path.
func Select(routes []*Route, event *ievent.Event, resolver AliasResolver) []*Route {
	var selected []*Route
	for _, r := range routes {
		if r.matches(event, resolver) {
			selected = append(selected, r)
		}
	}
	return selected
}

// Dispatch puts event (rendered to a data dictionary by the caller) onto
// every selected route's scheduler.
func Dispatch(routes []*Route, event *ievent.Event, resolver AliasResolver, data map[string]interface{}) {
	for _, r := range Select(routes, event, resolver) {
		r.Scheduler.Put(data)
	}
}
