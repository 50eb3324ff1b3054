// Package world defines the authoritative in-memory document for the
// persistent world simulation: agent records, towns, the world clock, and
// free-form counters.
//
// The document is owned exclusively by the transactional store. External
// code never mutates it directly; all writes go through store transactions,
// and all reads outside a transaction receive a deep copy.
package world

type (
	// Document is the single authoritative world tree.
	Document struct {
		SchemaVersion int               `json:"schema_version"`
		Clock         Clock             `json:"clock"`
		Agents        map[string]*Agent `json:"agents"`
		Towns         map[string]*Town  `json:"towns"`
		Counters      map[string]int64  `json:"counters,omitempty"`
	}

	// Clock is the world clock. Day advances every TicksPerDay ticks.
	Clock struct {
		Tick int64 `json:"tick"`
		Day  int64 `json:"day"`
	}

	// Agent is one NPC record, keyed in Document.Agents by Name.
	Agent struct {
		Name       string           `json:"name"`
		Town       string           `json:"town,omitempty"`
		Gold       int64            `json:"gold"`
		Reputation int64            `json:"reputation"`
		Inventory  map[string]int64 `json:"inventory,omitempty"`
		Journal    []JournalEntry   `json:"journal,omitempty"`
	}

	// JournalEntry is one line of an agent's bounded journal.
	JournalEntry struct {
		Tick int64  `json:"tick"`
		Text string `json:"text"`
	}

	// Town is one settlement record, keyed in Document.Towns by Name.
	Town struct {
		Name       string           `json:"name"`
		Population int64            `json:"population"`
		Prices     map[string]int64 `json:"prices,omitempty"`
	}
)

// SchemaVersion is the current document schema version.
const SchemaVersion = 1

// TicksPerDay is the number of clock ticks in one world day.
const TicksPerDay = 24

// MaxJournalEntries bounds each agent's journal. AppendJournal drops the
// oldest entry once the bound is reached; CheckIntegrity flags documents
// that exceed it (they can only arise from a corrupted snapshot).
const MaxJournalEntries = 200

// NewDocument returns an empty document at the current schema version.
func NewDocument() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Agents:        make(map[string]*Agent),
		Towns:         make(map[string]*Town),
	}
}

// Normalize initializes nil collections after deserialization so mutators
// never have to nil-check the top-level maps.
func (d *Document) Normalize() {
	if d.Agents == nil {
		d.Agents = make(map[string]*Agent)
	}
	if d.Towns == nil {
		d.Towns = make(map[string]*Town)
	}
}

// Clone returns a deep copy of the document. The copy shares no mutable
// state with the original: mutating either side never affects the other.
func (d *Document) Clone() *Document {
	out := &Document{
		SchemaVersion: d.SchemaVersion,
		Clock:         d.Clock,
		Agents:        make(map[string]*Agent, len(d.Agents)),
		Towns:         make(map[string]*Town, len(d.Towns)),
	}
	for name, a := range d.Agents {
		out.Agents[name] = a.clone()
	}
	for name, t := range d.Towns {
		out.Towns[name] = t.clone()
	}
	if d.Counters != nil {
		out.Counters = make(map[string]int64, len(d.Counters))
		for k, v := range d.Counters {
			out.Counters[k] = v
		}
	}
	return out
}

func (a *Agent) clone() *Agent {
	out := &Agent{
		Name:       a.Name,
		Town:       a.Town,
		Gold:       a.Gold,
		Reputation: a.Reputation,
	}
	if a.Inventory != nil {
		out.Inventory = make(map[string]int64, len(a.Inventory))
		for k, v := range a.Inventory {
			out.Inventory[k] = v
		}
	}
	if a.Journal != nil {
		out.Journal = make([]JournalEntry, len(a.Journal))
		copy(out.Journal, a.Journal)
	}
	return out
}

func (t *Town) clone() *Town {
	out := &Town{
		Name:       t.Name,
		Population: t.Population,
	}
	if t.Prices != nil {
		out.Prices = make(map[string]int64, len(t.Prices))
		for k, v := range t.Prices {
			out.Prices[k] = v
		}
	}
	return out
}
