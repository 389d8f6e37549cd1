package dashboard

// Overlay is the single dialog a dashboard may show. The concrete types are
// None, Creating, Editing and Confirming; nothing else implements it.
type Overlay interface {
	overlay()
	Name() string
}

type None struct{}

// Creating is the new-record form for Kind.
type Creating struct {
	Kind string
}

// Editing is the edit form for record ID.
type Editing struct {
	ID string
}

// Confirming asks the user to confirm Action on record ID.
type Confirming struct {
	Action string
	ID     string
}

const ActionDelete = "delete"

func (None) overlay()       {}
func (Creating) overlay()   {}
func (Editing) overlay()    {}
func (Confirming) overlay() {}

func (None) Name() string       { return "none" }
func (Creating) Name() string   { return "creating" }
func (Editing) Name() string    { return "editing" }
func (Confirming) Name() string { return "confirming" }

func isNone(o Overlay) bool {
	_, ok := o.(None)
	return o == nil || ok
}
