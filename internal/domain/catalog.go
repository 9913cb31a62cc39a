package domain

// Catalog is a snapshot of the algorithms offered by the remote service,
// sorted by ID. A Catalog is never mutated after it is built.
type Catalog struct {
	Algorithms []Algorithm
}

// Algorithm is one remote separation method.
type Algorithm struct {
	ID           int
	Name         string
	GroupID      int
	Fields       []OptionField
	Descriptions []Description
}

// OptionField is one of up to three parameters of an algorithm.
type OptionField struct {
	Name    string
	Text    string
	Choices []OptionChoice
}

// OptionChoice maps an option key (sent as add_optN) to its label.
type OptionChoice struct {
	Key   string
	Label string
}

// Description is a localized short description of an algorithm.
type Description struct {
	Short string
	Lang  string
}

// Lookup returns the algorithm with the given ID.
func (c *Catalog) Lookup(id int) (Algorithm, bool) {
	for _, a := range c.Algorithms {
		if a.ID == id {
			return a, true
		}
	}
	return Algorithm{}, false
}
