package processor

// DefaultMaxChars caps how many characters one detection is split into
const DefaultMaxChars = 500

// SplitCharacters expands a word or line detection into per-character
// detections by interpolating along the top and bottom edges of its quad.
// Text of one character or less is returned unchanged.
func SplitCharacters(d Detection, maxChars int) []Detection {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	chars := []rune(d.Text)
	if len(chars) <= 1 {
		d.IsCharacter = false
		return []Detection{d}
	}
	if len(chars) > maxChars {
		chars = chars[:maxChars]
	}

	n := float64(len(chars))
	tl, tr, br, bl := d.Quad[0], d.Quad[1], d.Quad[2], d.Quad[3]

	incTop := (tr.X() - tl.X()) / n
	incBottom := (br.X() - bl.X()) / n
	dTop := tr.Y() - tl.Y()
	dBottom := br.Y() - bl.Y()

	out := make([]Detection, 0, len(chars))
	for i, ch := range chars {
		fi := float64(i)
		r1 := fi / n
		r2 := (fi + 1) / n

		out = append(out, Detection{
			Quad: Quad{
				{tl.X() + fi*incTop, tl.Y() + dTop*r1},
				{tl.X() + (fi+1)*incTop, tl.Y() + dTop*r2},
				{bl.X() + (fi+1)*incBottom, bl.Y() + dBottom*r2},
				{bl.X() + fi*incBottom, bl.Y() + dBottom*r1},
			},
			Text:        string(ch),
			Confidence:  d.Confidence,
			IsCharacter: true,
		})
	}
	return out
}

// SplitAll applies SplitCharacters to every detection, preserving order
func SplitAll(detections []Detection, maxChars int) []Detection {
	out := make([]Detection, 0, len(detections))
	for _, d := range detections {
		out = append(out, SplitCharacters(d, maxChars)...)
	}
	return out
}
