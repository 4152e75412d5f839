package datasets

// Placeholder is the value IMDb files use for "no data".
const Placeholder = `\N`

// DropPlaceholders removes fields holding the IMDb placeholder so they are
// loaded as NULL.
func DropPlaceholders(row Row) Row {
	for k, v := range row {
		if v == Placeholder {
			delete(row, k)
		}
	}
	return row
}

// Chain composes transforms left to right.
func Chain(transforms ...Transform) Transform {
	return func(row Row) Row {
		for _, t := range transforms {
			if t == nil {
				continue
			}
			row = t(row)
		}
		return row
	}
}
