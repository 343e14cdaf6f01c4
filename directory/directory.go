// Package directory provides a static, configuration driven directory of the
// internal calendar users and resources of one context.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/cyp0633/libitip/calendar"
)

// ErrUnknownEntity is returned for ids the directory does not know.
var ErrUnknownEntity = errors.New("unknown entity")

// Entry describes one internal user or resource.
type Entry struct {
	ID      int      `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Email   string   `yaml:"email" json:"email"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	// Type is the calendar user type: individual (default), group, resource
	// or room.
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Locale   string `yaml:"locale,omitempty" json:"locale,omitempty"`
	TimeZone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	// Folder is the id of the default calendar folder, "cal-<id>" if empty.
	Folder string `yaml:"folder,omitempty" json:"folder,omitempty"`
	// Contacts are the addresses in the entry's address book.
	Contacts []string `yaml:"contacts,omitempty" json:"contacts,omitempty"`
}

type entity struct {
	Entry
	cuType   calendar.CalendarUserType
	locale   language.Tag
	location *time.Location
	contacts map[string]struct{}
}

// Directory resolves internal calendar users from a fixed list of entries.
// It is safe for concurrent use.
type Directory struct {
	byID      map[int]*entity
	byAddress map[string]int
	byFolder  map[string]int
}

// New validates the entries and builds the directory.
func New(entries []Entry) (*Directory, error) {
	d := &Directory{
		byID:      make(map[int]*entity, len(entries)),
		byAddress: make(map[string]int),
		byFolder:  make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if e.ID <= 0 {
			return nil, fmt.Errorf("directory entry %q: id must be positive", e.Name)
		}
		if _, ok := d.byID[e.ID]; ok {
			return nil, fmt.Errorf("directory entry %d: duplicate id", e.ID)
		}
		ent, err := newEntity(e)
		if err != nil {
			return nil, fmt.Errorf("directory entry %d: %w", e.ID, err)
		}
		d.byID[e.ID] = ent

		for _, addr := range append([]string{e.Email}, e.Aliases...) {
			addr = normalizeAddress(addr)
			if addr == "" {
				continue
			}
			if other, ok := d.byAddress[addr]; ok && other != e.ID {
				return nil, fmt.Errorf("directory entry %d: address %s already used by %d", e.ID, addr, other)
			}
			d.byAddress[addr] = e.ID
		}
		if other, ok := d.byFolder[ent.Folder]; ok {
			return nil, fmt.Errorf("directory entry %d: folder %s already owned by %d", e.ID, ent.Folder, other)
		}
		d.byFolder[ent.Folder] = e.ID
	}
	return d, nil
}

func newEntity(e Entry) (*entity, error) {
	ent := &entity{Entry: e, locale: language.English, location: time.UTC, contacts: make(map[string]struct{})}
	switch strings.ToLower(e.Type) {
	case "", "individual":
		ent.cuType = calendar.CuTypeIndividual
	case "group":
		ent.cuType = calendar.CuTypeGroup
	case "resource":
		ent.cuType = calendar.CuTypeResource
	case "room":
		ent.cuType = calendar.CuTypeRoom
	default:
		return nil, fmt.Errorf("unknown type %q", e.Type)
	}
	if e.Locale != "" {
		tag, err := language.Parse(e.Locale)
		if err != nil {
			return nil, fmt.Errorf("invalid locale %q: %w", e.Locale, err)
		}
		ent.locale = tag
	}
	if e.TimeZone != "" {
		loc, err := time.LoadLocation(e.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", e.TimeZone, err)
		}
		ent.location = loc
	}
	if ent.Folder == "" {
		ent.Folder = fmt.Sprintf("cal-%d", e.ID)
	}
	for _, c := range e.Contacts {
		if addr := normalizeAddress(c); addr != "" {
			ent.contacts[addr] = struct{}{}
		}
	}
	return ent, nil
}

func normalizeAddress(addr string) string {
	if a := calendar.AddressFromURI(addr); a != "" {
		return a
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

func (d *Directory) lookup(id int) (*entity, error) {
	ent, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownEntity, id)
	}
	return ent, nil
}

// ResolveEntity returns the calendar user record of an entity.
func (d *Directory) ResolveEntity(_ context.Context, id int) (calendar.Attendee, error) {
	ent, err := d.lookup(id)
	if err != nil {
		return calendar.Attendee{}, err
	}
	return calendar.Attendee{
		CalendarUser: calendar.CalendarUser{
			URI:    calendar.URIFromAddress(ent.Email),
			CN:     ent.Name,
			Email:  strings.ToLower(ent.Email),
			Entity: ent.ID,
		},
		CuType: ent.cuType,
	}, nil
}

// LookupAddress returns the entity owning a primary or alias address, or 0.
func (d *Directory) LookupAddress(_ context.Context, address string) (int, error) {
	return d.byAddress[normalizeAddress(address)], nil
}

// DefaultFolder returns the calendar folder of an entity.
func (d *Directory) DefaultFolder(_ context.Context, id int) (string, error) {
	ent, err := d.lookup(id)
	if err != nil {
		return "", err
	}
	return ent.Folder, nil
}

// FolderOwner returns the entity owning a folder. Folders outside the
// directory have no owner (0).
func (d *Directory) FolderOwner(_ context.Context, folderID string) (int, error) {
	return d.byFolder[folderID], nil
}

func (d *Directory) Locale(_ context.Context, id int) (language.Tag, error) {
	ent, err := d.lookup(id)
	if err != nil {
		return language.Und, err
	}
	return ent.locale, nil
}

func (d *Directory) TimeZone(_ context.Context, id int) (*time.Location, error) {
	ent, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	return ent.location, nil
}

// IsKnownContact reports whether address is in the address book of id or
// belongs to another internal entity.
func (d *Directory) IsKnownContact(_ context.Context, id int, address string) (bool, error) {
	ent, err := d.lookup(id)
	if err != nil {
		return false, err
	}
	addr := normalizeAddress(address)
	if _, ok := ent.contacts[addr]; ok {
		return true, nil
	}
	_, internal := d.byAddress[addr]
	return internal, nil
}
