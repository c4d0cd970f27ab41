package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Segment file layout (little-endian): magic, version, document count,
// term count, then per term a length-prefixed string, its posting count,
// and its postings (docId, tf, position count, positions). Terms and postings are
// written in sorted order so segment files are byte-stable for identical
// index states.
const (
	segmentMagic   uint32 = 0x43494458 // "CIDX"
	segmentVersion uint32 = 1
)

// flushLocked writes the current in-memory index to the next segment file
// and resets the current segment's document count. Callers hold the index
// lock.
func (x *Index) flushLocked() error {
	if x.currentSegmentSize == 0 {
		return nil
	}

	if err := os.MkdirAll(x.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	path := filepath.Join(x.cfg.Dir, fmt.Sprintf("segment_%d.idx", x.segmentCount))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := x.writeSegment(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("write segment %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush segment %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close segment %s: %w", path, err)
	}

	x.currentSegmentSize = 0
	x.segmentCount++
	return nil
}

func (x *Index) writeSegment(w *bufio.Writer) error {
	for _, v := range []uint32{segmentMagic, segmentVersion} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, x.docCount); err != nil {
		return err
	}

	terms := make([]string, 0, len(x.inverted))
	for term := range x.inverted {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	if err := binary.Write(w, binary.LittleEndian, uint64(len(terms))); err != nil {
		return err
	}
	for _, term := range terms {
		if err := writeString(w, term); err != nil {
			return err
		}
		postings := x.inverted[term]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(postings))); err != nil {
			return err
		}
		for _, p := range postings {
			if err := binary.Write(w, binary.LittleEndian, p.DocID); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, p.TF); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Positions))); err != nil {
				return err
			}
			for _, pos := range p.Positions {
				if err := binary.Write(w, binary.LittleEndian, pos); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeString(w *bufio.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	return nil
}
