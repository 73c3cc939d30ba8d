// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import (
	"sort"
	"time"
)

// layer is one set record still in effect for a flag.
type layer struct {
	stage   int
	enabled bool
}

// flagReplay is the replayed view of one flag: its effective layers
// (oldest first) and the resulting state.
type flagReplay struct {
	layers []layer
	state  FlagState
}

func (f *flagReplay) top() (layer, bool) {
	if len(f.layers) == 0 {
		return layer{}, false
	}
	return f.layers[len(f.layers)-1], true
}

// maxStage returns the highest stage among the flag's effective layers.
func (f *flagReplay) maxStage() (int, bool) {
	best, found := 0, false
	for _, l := range f.layers {
		if !found || l.stage > best {
			best, found = l.stage, true
		}
	}
	return best, found
}

// replay folds records (which must be sorted by Seq) into per-flag state.
//
// A set record pushes a layer. A rollback record at stage S pops every
// layer with stage >= S and restores the recorded value. The recorded value
// always equals what the remaining layers imply; storing it keeps the
// persisted document self-describing.
func replay(records []Record) map[string]*flagReplay {
	out := make(map[string]*flagReplay)
	for _, rec := range records {
		f, ok := out[rec.Flag]
		if !ok {
			f = &flagReplay{state: FlagState{Name: rec.Flag}}
			out[rec.Flag] = f
		}
		at := rec.At

		switch rec.Kind {
		case KindRollback:
			kept := f.layers[:0]
			for _, l := range f.layers {
				if l.stage < rec.Stage {
					kept = append(kept, l)
				}
			}
			f.layers = kept
			f.state.Enabled = rec.Enabled
			if top, ok := f.top(); ok {
				f.state.Stage = top.stage
			} else {
				f.state.Stage = 0
			}
			f.state.RolledBackAt = &at
		default:
			f.layers = append(f.layers, layer{stage: rec.Stage, enabled: rec.Enabled})
			f.state.Enabled = rec.Enabled
			f.state.Stage = rec.Stage
			if rec.Enabled {
				f.state.ActivatedAt = &at
			}
		}
	}
	return out
}

// highWater is the highest stage still in effect across all flags.
func highWater(replayed map[string]*flagReplay) int {
	hw := 0
	for _, f := range replayed {
		if s, ok := f.maxStage(); ok && s > hw {
			hw = s
		}
	}
	return hw
}

// recordsUntil returns the records with At <= t, preserving Seq order.
func recordsUntil(records []Record, t time.Time) []Record {
	var out []Record
	for _, rec := range records {
		if !rec.At.After(t) {
			out = append(out, rec)
		}
	}
	return out
}

// toDocument splits the global history back into per-flag persisted form.
func toDocument(records []Record, known []string) Document {
	replayed := replay(records)
	doc := make(Document, len(replayed)+len(known))
	for _, name := range known {
		doc[name] = PersistedFlag{History: []Record{}}
	}
	for _, rec := range records {
		pf := doc[rec.Flag]
		pf.History = append(pf.History, rec)
		doc[rec.Flag] = pf
	}
	for name, f := range replayed {
		pf := doc[name]
		pf.Enabled = f.state.Enabled
		pf.Stage = f.state.Stage
		pf.ActivatedAt = f.state.ActivatedAt
		pf.RolledBackAt = f.state.RolledBackAt
		doc[name] = pf
	}
	return doc
}

// fromDocument merges per-flag histories into one Seq-ordered slice.
func fromDocument(doc Document) []Record {
	var records []Record
	for name, pf := range doc {
		for _, rec := range pf.History {
			if rec.Flag == "" {
				rec.Flag = name
			}
			records = append(records, rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
	return records
}
