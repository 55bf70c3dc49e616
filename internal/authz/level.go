package authz

// Level is the ordered access tier attached to grants and demanded by
// operations: none < view < edit < full. A required level of none is a plain
// visibility check and is treated as view.
type Level int

const (
	LevelNone Level = iota
	LevelView
	LevelEdit
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelView:
		return "view"
	case LevelEdit:
		return "edit"
	case LevelFull:
		return "full"
	case LevelNone:
		return "none"
	}
	return "none"
}

// ParseLevel maps a stored level string to its enum value. Unknown strings
// resolve to LevelNone and therefore satisfy nothing.
func ParseLevel(s string) Level {
	switch s {
	case "view":
		return LevelView
	case "edit":
		return LevelEdit
	case "full":
		return LevelFull
	}
	return LevelNone
}

// Satisfies reports whether a held level meets a required one.
func (l Level) Satisfies(required Level) bool {
	if required == LevelNone {
		required = LevelView
	}
	return l >= required
}
