package projection

import (
	"sort"
	"sync"
	"time"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/models"
)

// View selects which slice of the post collection a client is entitled to
// see: admins see everything, users see approved posts only.
type View string

const (
	ViewAdmin View = "admin"
	ViewUser  View = "user"
)

// Room maps a view to the event room a client of that view joins.
func (v View) Room() events.Room {
	if v == ViewAdmin {
		return events.RoomAdmin
	}
	return events.RoomUser
}

// Entry is one post in the local mirror plus its presentation-only state.
type Entry struct {
	models.Post

	// Pending marks an optimistic local insert that has not yet been
	// confirmed by the authoritative new-post event.
	Pending bool

	// IsNew is a transient highlight cleared by a timer shortly after the
	// post arrives. Not part of the consistency contract.
	IsNew bool
}

// Projection is a client's locally held, incrementally updated copy of the
// post set. It is seeded from a full fetch and then folded forward by
// events; every application is an id-keyed upsert or remove, so replaying
// or duplicating events leaves the projection unchanged.
type Projection struct {
	view View

	mu      sync.Mutex
	entries map[string]*Entry

	// RefetchHook is invoked when a post-approved event arrives for a post
	// the user view has never seen (it was hidden while unapproved); the
	// client re-fetches the approved set rather than fabricating a partial
	// record. Optional.
	RefetchHook func(id string)

	highlightTTL time.Duration
}

func NewProjection(view View) *Projection {
	return &Projection{
		view:         view,
		entries:      make(map[string]*Entry),
		highlightTTL: time.Second,
	}
}

// Seed replaces the projection with the result of a full fetch. Pending
// optimistic entries not present in the fetch survive; everything else is
// rebuilt from the authoritative snapshot.
func (p *Projection) Seed(posts []models.Post) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := make(map[string]*Entry, len(posts))
	for i := range posts {
		fresh[posts[i].ID] = &Entry{Post: posts[i]}
	}
	for id, entry := range p.entries {
		if entry.Pending {
			if _, ok := fresh[id]; !ok {
				fresh[id] = entry
			}
		}
	}
	p.entries = fresh
}

// AddPending inserts an optimistic local entry for the author's own new
// post, to be confirmed (deduplicated by id) by the new-post event.
func (p *Projection) AddPending(post models.Post) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[post.ID]; ok {
		existing.Post = post
		return
	}
	p.entries[post.ID] = &Entry{Post: post, Pending: true}
}

// Apply folds one event into the projection. Unknown event types and events
// for posts outside this view's scope are ignored.
func (p *Projection) Apply(evt *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch evt.Type {
	case events.EvtNewPost:
		if evt.Post == nil {
			return
		}
		if existing, ok := p.entries[evt.Post.ID]; ok {
			// authoritative confirmation of an optimistic insert
			existing.Post = *evt.Post
			existing.Pending = false
			return
		}
		if p.view == ViewUser && !evt.Post.Approved {
			return
		}
		entry := &Entry{Post: *evt.Post, IsNew: true}
		p.entries[evt.Post.ID] = entry
		p.scheduleHighlightClear(evt.Post.ID)

	case events.EvtPostReviewed:
		if entry, ok := p.entries[evt.ID]; ok {
			entry.UnderReview = true
		}

	case events.EvtPostApproved:
		entry, ok := p.entries[evt.ID]
		if !ok {
			if p.view == ViewUser && p.RefetchHook != nil {
				go p.RefetchHook(evt.ID)
			}
			return
		}
		entry.Approved = true
		entry.UnderReview = false

	case events.EvtPostRejected:
		if p.view == ViewUser {
			delete(p.entries, evt.ID)
			return
		}
		if entry, ok := p.entries[evt.ID]; ok {
			entry.Approved = false
			entry.UnderReview = false
		}

	case events.EvtPostRemoved:
		delete(p.entries, evt.ID)
	}
}

// Posts returns the current projection, newest first.
func (p *Projection) Posts() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns the entry for id, if present.
func (p *Projection) Get(id string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

func (p *Projection) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Projection) scheduleHighlightClear(id string) {
	time.AfterFunc(p.highlightTTL, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if entry, ok := p.entries[id]; ok {
			entry.IsNew = false
		}
	})
}
