package store

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"hostsblock/pkg/blocklist"
)

// Document is the YAML form of the store used by import and export.
type Document struct {
	Sources      []SourceDoc `yaml:"sources,omitempty"`
	Whitelist    []EntryDoc  `yaml:"whitelist,omitempty"`
	Blacklist    []EntryDoc  `yaml:"blacklist,omitempty"`
	Redirections []EntryDoc  `yaml:"redirections,omitempty"`
}

// SourceDoc is a source in a Document.
type SourceDoc struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// EntryDoc is an override entry in a Document.
type EntryDoc struct {
	Host     string `yaml:"host"`
	IP       string `yaml:"ip,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// ImportStats counts the entries written by Import.
type ImportStats struct {
	Sources      int
	Whitelist    int
	Blacklist    int
	Redirections int
}

// Import reads a YAML document and merges it into the store in a single
// transaction. Existing entries are updated in place.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return ImportStats{}, fmt.Errorf("decode import: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportStats{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stats ImportStats
	for _, src := range doc.Sources {
		if src.ID == "" || src.URL == "" {
			return ImportStats{}, fmt.Errorf("source entries need an id and a url")
		}
		if err := upsertSource(ctx, tx, blocklist.Source{ID: src.ID, URL: src.URL, Enabled: !src.Disabled}); err != nil {
			return ImportStats{}, err
		}
		stats.Sources++
	}

	lists := []struct {
		list    List
		entries []EntryDoc
		count   *int
	}{
		{Whitelist, doc.Whitelist, &stats.Whitelist},
		{Blacklist, doc.Blacklist, &stats.Blacklist},
		{Redirection, doc.Redirections, &stats.Redirections},
	}
	for _, l := range lists {
		for _, e := range l.entries {
			if err := s.putEntry(ctx, tx, l.list, Entry{Host: e.Host, IP: e.IP, Enabled: !e.Disabled}); err != nil {
				return ImportStats{}, err
			}
			*l.count++
		}
	}

	if err := tx.Commit(); err != nil {
		return ImportStats{}, fmt.Errorf("commit import: %w", err)
	}
	s.log.Info("import finished", "sources", stats.Sources, "whitelist", stats.Whitelist,
		"blacklist", stats.Blacklist, "redirections", stats.Redirections)
	return stats, nil
}

// Export writes the whole store as YAML.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	var doc Document

	sources, err := s.Sources(ctx)
	if err != nil {
		return err
	}
	for _, src := range sources {
		doc.Sources = append(doc.Sources, SourceDoc{ID: src.ID, URL: src.URL, Disabled: !src.Enabled})
	}

	for _, l := range []struct {
		list List
		dst  *[]EntryDoc
	}{
		{Whitelist, &doc.Whitelist},
		{Blacklist, &doc.Blacklist},
		{Redirection, &doc.Redirections},
	} {
		entries, err := s.Entries(ctx, l.list)
		if err != nil {
			return err
		}
		for _, e := range entries {
			*l.dst = append(*l.dst, EntryDoc{Host: e.Host, IP: e.IP, Disabled: !e.Enabled})
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return enc.Close()
}
