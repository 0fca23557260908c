package feed

// Change is a row-level notification from the shared store. Consumers treat it
// as "something matching my filter changed" and re-run their read path.
type Change struct {
	Table     string `json:"table"`
	Op        string `json:"op"`
	ID        string `json:"id,omitempty"`
	JourneyID string `json:"journey_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Filter is an equality predicate on one of the filterable columns of a table.
type Filter struct {
	Table  string
	Column string
	Value  string
}

const (
	ColumnID        = "id"
	ColumnJourneyID = "journey_id"
	ColumnUserID    = "user_id"
)

func (f Filter) topic() string {
	return f.Table + ":" + f.Column + "=" + f.Value
}

// Filterable reports whether column can be used in a Filter.
func Filterable(column string) bool {
	switch column {
	case ColumnID, ColumnJourneyID, ColumnUserID:
		return true
	}
	return false
}

// topics lists every filter topic the change satisfies.
func (c Change) topics() []string {
	var out []string
	add := func(column, value string) {
		if value != "" {
			out = append(out, Filter{Table: c.Table, Column: column, Value: value}.topic())
		}
	}
	add(ColumnID, c.ID)
	add(ColumnJourneyID, c.JourneyID)
	add(ColumnUserID, c.UserID)
	return out
}
