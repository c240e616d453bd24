package segmenter

// FixtureParser is a deterministic BlockParser for tests. It ignores its
// input and returns Blocks (or Err).
type FixtureParser struct {
	Blocks []Block
	Err    error
}

// Parse implements BlockParser.
func (f FixtureParser) Parse(string) ([]Block, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]Block(nil), f.Blocks...), nil
}
