package registry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/xqi1337/nekoengine/models"
)

// exportedRegistry is the plain-old-data shape written by every export
// format, so JSON/CSV/XML round-trip against the same field set.
type exportedRegistry struct {
	XMLName xml.Name                  `json:"-" xml:"registry"`
	Entries []exportedEntry           `json:"entries" xml:"entry"`
}

type exportedEntry struct {
	MediaID  int    `json:"mediaId" xml:"mediaId"`
	MediaAPI string `json:"mediaApi" xml:"mediaApi"`
	Title    string `json:"title" xml:"title"`
	Status   string `json:"status" xml:"status"`
	Progress string `json:"progress" xml:"progress"`
}

// ExportJSON writes every index entry (joined with its record's preferred
// title) as JSON.
func (s *Service) ExportJSON(w io.Writer) error {
	data, err := s.snapshot()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// ExportCSV writes the same data as CSV, one row per entry.
func (s *Service) ExportCSV(w io.Writer) error {
	data, err := s.snapshot()
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"mediaId", "mediaApi", "title", "status", "progress"}); err != nil {
		return err
	}
	for _, e := range data.Entries {
		if err := cw.Write([]string{strconv.Itoa(e.MediaID), e.MediaAPI, e.Title, e.Status, e.Progress}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportXML writes the same data as XML.
func (s *Service) ExportXML(w io.Writer) error {
	data, err := s.snapshot()
	if err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(data)
}

func (s *Service) snapshot() (exportedRegistry, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return exportedRegistry{}, err
	}
	s.mu.RLock()
	entries := make([]models.MediaRegistryIndexEntry, 0, len(idx.MediaIndex))
	for _, e := range idx.MediaIndex {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := exportedRegistry{Entries: make([]exportedEntry, 0, len(entries))}
	for _, e := range entries {
		title := ""
		if rec, err := s.GetMediaRecord(e.MediaID); err == nil {
			title = rec.MediaItem.PreferredTitle()
		}
		out.Entries = append(out.Entries, exportedEntry{
			MediaID:  e.MediaID,
			MediaAPI: e.MediaAPI,
			Title:    title,
			Status:   string(e.Status),
			Progress: e.Progress,
		})
	}
	return out, nil
}

// ImportJSON reads an ExportJSON document and upserts entries. When merge is
// false, an entry whose media ID already exists locally is left untouched
// (source document never downgrades local state); when true, the index
// status/progress fields are overwritten.
func (s *Service) ImportJSON(ctx context.Context, r io.Reader, merge bool) error {
	var data exportedRegistry
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("registry: decode import: %w", err)
	}
	for _, e := range data.Entries {
		existing, ok := s.GetMediaIndexEntry(e.MediaID)
		if ok && !merge {
			continue
		}
		entry := models.MediaRegistryIndexEntry{
			MediaID:  e.MediaID,
			MediaAPI: e.MediaAPI,
			Status:   models.ListStatus(e.Status),
			Progress: e.Progress,
		}
		if existing != nil {
			entry.LastWatched = existing.LastWatched
			entry.LastNotifiedEpisode = existing.LastNotifiedEpisode
		}
		if err := s.SaveMediaIndexEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
