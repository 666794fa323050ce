package avifcheck

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jdeng/avifcheck/heif"
	"github.com/jdeng/avifcheck/heif/bmff"
)

// Severity tells whether a finding makes a file non-conformant.
type Severity int

const (
	Warning Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "warning"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "fatal", "error":
		*s = Fatal
	case "warning", "warn":
		*s = Warning
	default:
		return fmt.Errorf("avifcheck: unknown severity %q", b)
	}
	return nil
}

// Finding is one problem found in a file.
type Finding struct {
	Severity Severity `json:"severity"`
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	Offset   int64    `json:"offset"` // of the box the finding is about, -1 if none
	ItemID   uint32   `json:"item_id,omitempty"`
	TrackID  uint32   `json:"track_id,omitempty"`
	InfoURL  string   `json:"info_url,omitempty"`
	Fix      string   `json:"fix,omitempty"` // how the file could be repaired
}

func (f Finding) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: [%s] %s", f.Severity, f.Code, f.Message)
	if f.Offset >= 0 {
		fmt.Fprintf(&sb, " (offset %d)", f.Offset)
	}
	return sb.String()
}

// Report is the outcome of validating one file.
type Report struct {
	Name     string    `json:"name,omitempty"`
	Size     int64     `json:"size"`
	Findings []Finding `json:"findings"`
	Images   []Image   `json:"images,omitempty"`

	Meta *heif.Meta `json:"-"`
	Tree *bmff.Tree `json:"-"`
}

// Image summarizes an image item of the model.
type Image struct {
	ItemID  uint32 `json:"item_id"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Primary bool   `json:"primary,omitempty"`
	Derived bool   `json:"derived,omitempty"`
	Hidden  bool   `json:"hidden,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`

	// Display geometry, when it could be resolved.
	Crop          string `json:"crop,omitempty"`
	Rotations     int    `json:"rotations,omitempty"`
	Mirror        *int   `json:"mirror,omitempty"`
	DisplayWidth  int    `json:"display_width,omitempty"`
	DisplayHeight int    `json:"display_height,omitempty"`
}

// Fatal reports whether any finding is fatal.
func (r *Report) Fatal() bool { return r.Count(Fatal) > 0 }

// Count returns the number of findings of severity sev.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Group is a finding together with the items and tracks it also
// applies to.
type Group struct {
	Finding
	AlsoItems  []uint32 `json:"also_items,omitempty"`
	AlsoTracks []uint32 `json:"also_tracks,omitempty"`
}

type groupKey struct {
	sev  Severity
	code Code
	msg  string
}

// Condense folds findings that differ only by item or track into one
// group, keeping the order of first appearance. Messages are compared
// with the item and track numbers taken out.
func (r *Report) Condense() []Group {
	out := []Group{}
	index := map[groupKey]int{}
	for _, f := range r.Findings {
		if f.ItemID == 0 && f.TrackID == 0 {
			out = append(out, Group{Finding: f})
			continue
		}
		k := groupKey{f.Severity, f.Code, genericMessage(f)}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, Group{Finding: f})
			continue
		}
		if f.ItemID != 0 {
			out[i].AlsoItems = append(out[i].AlsoItems, f.ItemID)
		}
		if f.TrackID != 0 {
			out[i].AlsoTracks = append(out[i].AlsoTracks, f.TrackID)
		}
	}
	return out
}

func genericMessage(f Finding) string {
	msg := f.Message
	if f.ItemID != 0 {
		msg = strings.ReplaceAll(msg, fmt.Sprintf("item %d", f.ItemID), "item #")
	}
	if f.TrackID != 0 {
		msg = strings.ReplaceAll(msg, fmt.Sprintf("track %d", f.TrackID), "track #")
	}
	return msg
}

// WriteText prints the report for people.
func (r *Report) WriteText(w io.Writer, condense bool) error {
	name := r.Name
	if name == "" {
		name = "<input>"
	}
	var sb strings.Builder
	if len(r.Findings) == 0 {
		fmt.Fprintf(&sb, "%s: no issues found\n", name)
	} else {
		fmt.Fprintf(&sb, "%s: %d fatal, %d warning\n", name, r.Count(Fatal), r.Count(Warning))
	}
	if condense {
		for _, g := range r.Condense() {
			fmt.Fprintf(&sb, "  %v\n", g.Finding)
			if len(g.AlsoItems) > 0 {
				fmt.Fprintf(&sb, "    also applies to items %s\n", joinIDs(g.AlsoItems))
			}
			if len(g.AlsoTracks) > 0 {
				fmt.Fprintf(&sb, "    also applies to tracks %s\n", joinIDs(g.AlsoTracks))
			}
			if g.Fix != "" {
				fmt.Fprintf(&sb, "    fix: %s\n", g.Fix)
			}
			if g.InfoURL != "" {
				fmt.Fprintf(&sb, "    see %s\n", g.InfoURL)
			}
		}
	} else {
		for _, f := range r.Findings {
			fmt.Fprintf(&sb, "  %v\n", f)
			if f.Fix != "" {
				fmt.Fprintf(&sb, "    fix: %s\n", f.Fix)
			}
			if f.InfoURL != "" {
				fmt.Fprintf(&sb, "    see %s\n", f.InfoURL)
			}
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func joinIDs(ids []uint32) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = fmt.Sprint(id)
	}
	return strings.Join(s, ", ")
}

// CondensedReport is the JSON form of a report with grouped findings.
type CondensedReport struct {
	Name     string  `json:"name,omitempty"`
	Size     int64   `json:"size"`
	Findings []Group `json:"findings"`
	Images   []Image `json:"images,omitempty"`
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer, condense bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if condense {
		return enc.Encode(r.Condensed())
	}
	return enc.Encode(r)
}

func (r *Report) Condensed() CondensedReport {
	return CondensedReport{Name: r.Name, Size: r.Size, Findings: r.Condense(), Images: r.Images}
}
