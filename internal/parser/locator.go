package parser

// ActiveSegment returns the index of the first segment, in document order,
// whose [start, end] interval contains pos. Segments may overlap or be out
// of order, so this is a linear scan.
func (d *Document) ActiveSegment(pos float64) (int, bool) {
	if d == nil {
		return -1, false
	}
	for i, s := range d.segments {
		if s.Contains(pos) {
			return i, true
		}
	}
	return -1, false
}
