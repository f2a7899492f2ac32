// Package inference cleans column names, infers a semantic type per column and
// coerces values to that type.
package inference

// Options holds the heuristic thresholds. Zero values fall back to DefaultOptions.
type Options struct {
	// SampleSize is how many leading non-null values the date shape check inspects.
	SampleSize int
	// DateSampleMatchRatio is the fraction of the sample that must look like a date.
	DateSampleMatchRatio float64
	// DateParseSuccessRatio is the fraction of non-null values a date format must parse.
	DateParseSuccessRatio float64
	// NumericSuccessRatio is the fraction of non-null values that must parse as numbers.
	NumericSuccessRatio float64
	// SampleValues is how many distinct sample values are kept per column.
	SampleValues int
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		SampleSize:            100,
		DateSampleMatchRatio:  0.6,
		DateParseSuccessRatio: 0.8,
		NumericSuccessRatio:   0.9,
		SampleValues:          5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleSize <= 0 {
		o.SampleSize = d.SampleSize
	}
	if o.DateSampleMatchRatio <= 0 {
		o.DateSampleMatchRatio = d.DateSampleMatchRatio
	}
	if o.DateParseSuccessRatio <= 0 {
		o.DateParseSuccessRatio = d.DateParseSuccessRatio
	}
	if o.NumericSuccessRatio <= 0 {
		o.NumericSuccessRatio = d.NumericSuccessRatio
	}
	if o.SampleValues <= 0 {
		o.SampleValues = d.SampleValues
	}
	return o
}
