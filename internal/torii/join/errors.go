package join

// JoinError reports that a join ultimately failed: every attempt the
// configured Strategy permitted was exhausted, or the appservice invite
// step itself failed before a retry could even be attempted. Err is the
// underlying cause (the last attempt's error, or the invite error).
type JoinError struct {
	RoomIDOrAlias string
	Err           error
}

func (e *JoinError) Error() string {
	return "join: " + e.RoomIDOrAlias + ": " + e.Err.Error()
}

func (e *JoinError) Unwrap() error { return e.Err }
