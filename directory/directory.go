// Package directory keeps the persisted registry of subscribed chat
// destinations and their administrators. Every mutation is written through
// to a JSON file with atomic replace semantics so a crash never leaves a
// partially written registry behind.
package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// fileDocument is the on-disk shape of the registry.
type fileDocument struct {
	Groups      []string                  `json:"groups"`
	Admins      map[string][]string       `json:"admins"`
	Metadata    map[string]map[string]any `json:"metadata"`
	LastUpdated string                    `json:"last_updated"`
}

// Stats summarizes the registry for status commands.
type Stats struct {
	SubscribedGroups int    `json:"subscribed_groups"`
	GroupAdmins      int    `json:"group_admins"`
	GroupsWithMeta   int    `json:"groups_with_metadata"`
	StorageFile      string `json:"storage_file"`
	StorageExists    bool   `json:"storage_exists"`
}

// Directory is the audience registry. Reads return copies; mutations
// persist synchronously under one lock so the write is atomic from the
// caller's perspective.
type Directory struct {
	mu       sync.RWMutex
	file     string
	groups   map[string]struct{}
	admins   map[string]map[string]struct{}
	metadata map[string]map[string]any
	now      func() time.Time
}

// Load opens the registry at file, creating parent directories as needed.
// A corrupt file is renamed aside with a .backup suffix and the registry
// starts empty rather than failing the boot.
func Load(file string) (*Directory, error) {
	d := &Directory{
		file: file,
		now:  time.Now,
	}
	d.reset()

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory storage path: %w", err)
	}

	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		log.Info().Str("file", file).Msg("No subscription file found, starting empty")
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		backup := file + ".backup"
		log.Error().Err(err).Str("backup", backup).Msg("Corrupt subscription file, backing up and starting empty")
		if renameErr := os.Rename(file, backup); renameErr != nil {
			log.Error().Err(renameErr).Msg("Failed to back up corrupt subscription file")
		}
		return d, nil
	}

	for _, group := range doc.Groups {
		d.groups[group] = struct{}{}
	}
	for group, admins := range doc.Admins {
		set := make(map[string]struct{}, len(admins))
		for _, admin := range admins {
			set[admin] = struct{}{}
		}
		d.admins[group] = set
	}
	if doc.Metadata != nil {
		d.metadata = doc.Metadata
	}

	log.Info().Int("groups", len(d.groups)).Str("file", file).Msg("Loaded subscriptions")
	return d, nil
}

func (d *Directory) reset() {
	d.groups = make(map[string]struct{})
	d.admins = make(map[string]map[string]struct{})
	d.metadata = make(map[string]map[string]any)
}

// persist writes the registry to a temp file and renames it over the
// canonical path. Callers hold the write lock.
func (d *Directory) persist() error {
	doc := fileDocument{
		Groups:      make([]string, 0, len(d.groups)),
		Admins:      make(map[string][]string, len(d.admins)),
		Metadata:    d.metadata,
		LastUpdated: d.now().UTC().Format(time.RFC3339),
	}
	for group := range d.groups {
		doc.Groups = append(doc.Groups, group)
	}
	for group, admins := range d.admins {
		list := make([]string, 0, len(admins))
		for admin := range admins {
			list = append(list, admin)
		}
		doc.Admins[group] = list
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode subscriptions: %w", err)
	}

	tmp := d.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write subscriptions: %w", err)
	}
	if err := os.Rename(tmp, d.file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace subscription file: %w", err)
	}
	return nil
}

// ValidGroupID reports whether id parses as a negative integer; group-type
// destinations are negative, user chats positive.
func ValidGroupID(id string) bool {
	n, err := strconv.ParseInt(id, 10, 64)
	return err == nil && n < 0
}

// ValidUserID reports whether id parses as a positive integer.
func ValidUserID(id string) bool {
	n, err := strconv.ParseInt(id, 10, 64)
	return err == nil && n > 0
}

// Subscribe adds a destination to the active set. The id must be a valid
// group id; title and subscriber are recorded as metadata when present.
func (d *Directory) Subscribe(groupID, title, subscribedBy string) error {
	if !ValidGroupID(groupID) {
		return fmt.Errorf("invalid group id %q: group ids are negative integers", groupID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.groups[groupID] = struct{}{}

	meta := d.metadata[groupID]
	if meta == nil {
		meta = make(map[string]any)
		d.metadata[groupID] = meta
	}
	meta["subscribed_at"] = d.now().UTC().Format(time.RFC3339)
	if title != "" {
		meta["title"] = title
	}
	if subscribedBy != "" {
		meta["subscribed_by"] = subscribedBy
	}

	if err := d.persist(); err != nil {
		return err
	}

	log.Info().Str("group", groupID).Str("title", title).Msg("Group subscribed")
	return nil
}

// Unsubscribe retires a destination: it leaves the active set, loses its
// admin associations, and its metadata is stamped for audit. The metadata
// record itself is kept.
func (d *Directory) Unsubscribe(groupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.groups, groupID)
	delete(d.admins, groupID)

	if meta, ok := d.metadata[groupID]; ok {
		meta["unsubscribed_at"] = d.now().UTC().Format(time.RFC3339)
	}

	if err := d.persist(); err != nil {
		return err
	}

	log.Info().Str("group", groupID).Msg("Group unsubscribed")
	return nil
}

// IsSubscribed reports active-set membership.
func (d *Directory) IsSubscribed(groupID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.groups[groupID]
	return ok
}

// ActiveGroups returns a copy of the active destination set.
func (d *Directory) ActiveGroups() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	groups := make([]string, 0, len(d.groups))
	for group := range d.groups {
		groups = append(groups, group)
	}
	return groups
}

// AddAdmin associates a user with a group. Both ids are validated.
func (d *Directory) AddAdmin(groupID, userID string) error {
	if !ValidGroupID(groupID) {
		return fmt.Errorf("invalid group id %q", groupID)
	}
	if !ValidUserID(userID) {
		return fmt.Errorf("invalid user id %q: user ids are positive integers", userID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	set := d.admins[groupID]
	if set == nil {
		set = make(map[string]struct{})
		d.admins[groupID] = set
	}
	set[userID] = struct{}{}

	return d.persist()
}

// RemoveAdmin drops the association; empty admin sets are removed.
func (d *Directory) RemoveAdmin(groupID, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.admins[groupID]
	if !ok {
		return false, nil
	}
	if _, ok := set[userID]; !ok {
		return false, nil
	}

	delete(set, userID)
	if len(set) == 0 {
		delete(d.admins, groupID)
	}

	return true, d.persist()
}

// IsAdmin reports whether the user administers the group.
func (d *Directory) IsAdmin(groupID, userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admins[groupID][userID]
	return ok
}

// GroupAdmins returns a copy of a group's admin set.
func (d *Directory) GroupAdmins(groupID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := d.admins[groupID]
	admins := make([]string, 0, len(set))
	for admin := range set {
		admins = append(admins, admin)
	}
	return admins
}

// GroupMetadata returns a copy of a group's metadata.
func (d *Directory) GroupMetadata(groupID string) map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	meta := d.metadata[groupID]
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// UpdateMetadata merges fields into a group's metadata and persists.
func (d *Directory) UpdateMetadata(groupID string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta := d.metadata[groupID]
	if meta == nil {
		meta = make(map[string]any)
		d.metadata[groupID] = meta
	}
	for k, v := range fields {
		meta[k] = v
	}
	meta["last_updated"] = d.now().UTC().Format(time.RFC3339)

	return d.persist()
}

// Stats returns registry statistics.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	totalAdmins := 0
	for _, set := range d.admins {
		totalAdmins += len(set)
	}

	_, statErr := os.Stat(d.file)
	return Stats{
		SubscribedGroups: len(d.groups),
		GroupAdmins:      totalAdmins,
		GroupsWithMeta:   len(d.metadata),
		StorageFile:      d.file,
		StorageExists:    statErr == nil,
	}
}
