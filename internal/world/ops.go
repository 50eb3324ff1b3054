package world

import (
	"fmt"
)

// Mutators in this file are the canonical transaction bodies used by the
// CLI and tests. They follow the store's mutator contract: pure functions
// of the document, all validation before the first write, results expressed
// as return values. A mutator that returns an error must leave the document
// untouched.

// TradeReceipt is the result of a RecordTrade mutator.
type TradeReceipt struct {
	Seller string `json:"seller"`
	Buyer  string `json:"buyer"`
	Item   string `json:"item"`
	Qty    int64  `json:"qty"`
	Total  int64  `json:"total"`
	Tick   int64  `json:"tick"`
}

// AdvanceClock advances the world clock by one tick, rolling the day over
// every TicksPerDay ticks. Returns the new tick.
func AdvanceClock() func(*Document) (any, error) {
	return func(d *Document) (any, error) {
		d.Clock.Tick++
		if d.Clock.Tick%TicksPerDay == 0 {
			d.Clock.Day++
		}
		return d.Clock.Tick, nil
	}
}

// RecordTrade moves qty of item from seller to buyer at the given unit
// price. All checks happen before any transfer.
func RecordTrade(seller, buyer, item string, qty, price int64) func(*Document) (any, error) {
	return func(d *Document) (any, error) {
		if qty <= 0 || price < 0 {
			return nil, fmt.Errorf("trade %s->%s: invalid qty %d or price %d", seller, buyer, qty, price)
		}
		s, ok := d.Agents[seller]
		if !ok {
			return nil, fmt.Errorf("trade: unknown seller %q", seller)
		}
		b, ok := d.Agents[buyer]
		if !ok {
			return nil, fmt.Errorf("trade: unknown buyer %q", buyer)
		}
		total := qty * price
		if s.Inventory[item] < qty {
			return nil, fmt.Errorf("trade: seller %q has %d %s, needs %d", seller, s.Inventory[item], item, qty)
		}
		if b.Gold < total {
			return nil, fmt.Errorf("trade: buyer %q has %d gold, needs %d", buyer, b.Gold, total)
		}

		s.Inventory[item] -= qty
		if s.Inventory[item] == 0 {
			delete(s.Inventory, item)
		}
		if b.Inventory == nil {
			b.Inventory = make(map[string]int64)
		}
		b.Inventory[item] += qty
		b.Gold -= total
		s.Gold += total

		return TradeReceipt{
			Seller: seller,
			Buyer:  buyer,
			Item:   item,
			Qty:    qty,
			Total:  total,
			Tick:   d.Clock.Tick,
		}, nil
	}
}

// AdjustReputation shifts an agent's reputation by delta, clamped to
// [-100, 100]. Returns the new reputation.
func AdjustReputation(agent string, delta int64) func(*Document) (any, error) {
	return func(d *Document) (any, error) {
		a, ok := d.Agents[agent]
		if !ok {
			return nil, fmt.Errorf("reputation: unknown agent %q", agent)
		}
		rep := a.Reputation + delta
		if rep > 100 {
			rep = 100
		}
		if rep < -100 {
			rep = -100
		}
		a.Reputation = rep
		return rep, nil
	}
}

// AppendJournal appends a journal entry for an agent, dropping the oldest
// entry once the journal reaches MaxJournalEntries. Returns the resulting
// journal length.
func AppendJournal(agent string, tick int64, text string) func(*Document) (any, error) {
	return func(d *Document) (any, error) {
		a, ok := d.Agents[agent]
		if !ok {
			return nil, fmt.Errorf("journal: unknown agent %q", agent)
		}
		a.Journal = append(a.Journal, JournalEntry{Tick: tick, Text: text})
		if len(a.Journal) > MaxJournalEntries {
			a.Journal = a.Journal[len(a.Journal)-MaxJournalEntries:]
		}
		return len(a.Journal), nil
	}
}

// IncrementCounter bumps a named document counter and returns the new value.
func IncrementCounter(name string) func(*Document) (any, error) {
	return func(d *Document) (any, error) {
		if d.Counters == nil {
			d.Counters = make(map[string]int64)
		}
		d.Counters[name]++
		return d.Counters[name], nil
	}
}
