// Package classes holds the static anatomical class table and per-class statistics.
package classes

import (
	"fmt"
	"math"

	"github.com/Veraticus/mriseg/internal/volume"
)

// Background is the class id of non-structure pixels.
const Background = 0

// Definition describes one segmentation class.
type Definition struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	FullName string   `json:"full_name"`
	Color    [3]uint8 `json:"color"`
}

// Hex returns the display color as #rrggbb.
func (d Definition) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", d.Color[0], d.Color[1], d.Color[2])
}

// table is indexed by class id and never mutated.
var table = []Definition{
	{ID: 0, Name: "Background", FullName: "Background", Color: [3]uint8{0, 0, 0}},
	{ID: 1, Name: "SR", FullName: "Superior Rectus", Color: [3]uint8{255, 0, 0}},
	{ID: 2, Name: "LR", FullName: "Lateral Rectus", Color: [3]uint8{0, 255, 0}},
	{ID: 3, Name: "MR", FullName: "Medial Rectus", Color: [3]uint8{0, 0, 255}},
	{ID: 4, Name: "IR", FullName: "Inferior Rectus", Color: [3]uint8{255, 255, 0}},
	{ID: 5, Name: "ON", FullName: "Optic Nerve", Color: [3]uint8{255, 0, 255}},
	{ID: 6, Name: "FAT", FullName: "Orbital Fat", Color: [3]uint8{0, 255, 255}},
	{ID: 7, Name: "LG", FullName: "Lacrimal Gland", Color: [3]uint8{255, 128, 0}},
	{ID: 8, Name: "SO", FullName: "Superior Oblique", Color: [3]uint8{128, 0, 255}},
	{ID: 9, Name: "EB", FullName: "Eyeball", Color: [3]uint8{128, 128, 128}},
}

// Count is the number of defined classes, background included.
var Count = len(table)

// All returns a copy of every class definition ordered by id.
func All() []Definition {
	out := make([]Definition, len(table))
	copy(out, table)
	return out
}

// Lookup returns the definition for id.
func Lookup(id int) (Definition, bool) {
	if id < 0 || id >= len(table) {
		return Definition{}, false
	}
	return table[id], true
}

// Color returns the display color for id; unknown ids render gray.
func Color(id uint8) [3]uint8 {
	if int(id) < len(table) {
		return table[id].Color
	}
	return [3]uint8{128, 128, 128}
}

// Stat is the pixel tally of one class.
type Stat struct {
	ClassID    int      `json:"class_id"`
	ClassName  string   `json:"class_name"`
	PixelCount int64    `json:"pixel_count"`
	Percentage float64  `json:"percentage"`
	Color      [3]uint8 `json:"color"`
}

// Tally counts pixels per class across masks and reports every defined class,
// in id order, with percentages of the total pixel count rounded to two decimals.
func Tally(masks ...*volume.Mask) []Stat {
	counts := make([]int64, len(table))
	var total int64
	for _, m := range masks {
		for _, l := range m.Labels {
			if int(l) < len(counts) {
				counts[l]++
			}
			total++
		}
	}

	stats := make([]Stat, len(table))
	for id, def := range table {
		pct := 0.0
		if total > 0 {
			pct = math.Round(float64(counts[id])/float64(total)*100*100) / 100
		}
		stats[id] = Stat{
			ClassID:    id,
			ClassName:  def.Name,
			PixelCount: counts[id],
			Percentage: pct,
			Color:      def.Color,
		}
	}
	return stats
}
