package retrieval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// SnapshotHeader is the first line of an exported generation.
type SnapshotHeader struct {
	Version    int       `json:"version"`
	Generation int64     `json:"generation"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Documents  int       `json:"documents"`
	BuiltAt    time.Time `json:"built_at"`
}

const snapshotVersion = 1

// Export writes the generation as a JSON header line followed by a gzip chromem export.
func (g *Generation) Export(w io.Writer) error {
	hdr := SnapshotHeader{
		Version:    snapshotVersion,
		Generation: g.ID,
		Model:      g.Model,
		Dimensions: g.Dimensions,
		Documents:  g.Documents,
		BuiltAt:    g.BuiltAt,
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("Generation.Export: encode header: %w", err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("Generation.Export: write header: %w", err)
	}
	if err := g.db.ExportToWriter(w, true, "", collectionName); err != nil {
		return fmt.Errorf("Generation.Export: export db: %w", err)
	}
	return nil
}

// ReadSnapshot decodes an exported generation. It is not installed anywhere yet.
func ReadSnapshot(r io.Reader) (*Generation, SnapshotHeader, error) {
	var hdr SnapshotHeader

	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, hdr, fmt.Errorf("ReadSnapshot: read header: %w", err)
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, hdr, fmt.Errorf("ReadSnapshot: decode header: %w", err)
	}
	if hdr.Version != snapshotVersion {
		return nil, hdr, fmt.Errorf("ReadSnapshot: unsupported snapshot version %d", hdr.Version)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, hdr, fmt.Errorf("ReadSnapshot: read body: %w", err)
	}

	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(body), "", collectionName); err != nil {
		return nil, hdr, fmt.Errorf("ReadSnapshot: import db: %w", err)
	}
	col := db.GetCollection(collectionName, nil)
	if col == nil {
		return nil, hdr, fmt.Errorf("ReadSnapshot: snapshot has no %q collection", collectionName)
	}
	if col.Count() != hdr.Documents {
		return nil, hdr, fmt.Errorf("ReadSnapshot: header says %d documents, found %d", hdr.Documents, col.Count())
	}

	return &Generation{
		Model:      hdr.Model,
		Dimensions: hdr.Dimensions,
		Documents:  col.Count(),
		BuiltAt:    hdr.BuiltAt,
		db:         db,
		col:        col,
	}, hdr, nil
}

// Install publishes a generation read from a snapshot under a fresh id.
func (ix *Index) Install(g *Generation) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	ix.publishLocked(g)
}
