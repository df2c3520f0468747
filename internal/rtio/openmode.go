package rtio

// OpenMode selects whether a stream reads an existing file or writes a new
// (or truncated) one. A stream is one or the other for its whole lifetime;
// there is no read/write mode.
type OpenMode int32

const (
	OpenForReading OpenMode = iota
	OpenForWriting
)
