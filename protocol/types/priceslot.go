// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "fmt"

// PriceSlot is a coarse bid-amount bucket used for relay-side filtering.
// Exact amounts live in the bid content; the slot is the closest bucket at
// or below the declared amount.
type PriceSlot string

const (
	PriceSlotBTC1K  PriceSlot = "BTC1_000"
	PriceSlotBTC2K  PriceSlot = "BTC2_000"
	PriceSlotBTC10K PriceSlot = "BTC10_000"
	PriceSlotBTC100K PriceSlot = "BTC100_000"
	PriceSlotBTC1M  PriceSlot = "BTC1_000_000"
	PriceSlotBTC2M  PriceSlot = "BTC2_000_000"
	PriceSlotBTC5M  PriceSlot = "BTC5_000_000"
	PriceSlotBTC10M PriceSlot = "BTC10_000_000"
	PriceSlotBTC50M PriceSlot = "BTC50_000_000"
)

// priceSlots is ordered from lowest to highest value.
var priceSlots = []PriceSlot{
	PriceSlotBTC1K,
	PriceSlotBTC2K,
	PriceSlotBTC10K,
	PriceSlotBTC100K,
	PriceSlotBTC1M,
	PriceSlotBTC2M,
	PriceSlotBTC5M,
	PriceSlotBTC10M,
	PriceSlotBTC50M,
}

var priceSlotMsats = map[PriceSlot]int64{
	PriceSlotBTC1K:  1_000,
	PriceSlotBTC2K:  2_000,
	PriceSlotBTC10K: 10_000,
	PriceSlotBTC100K: 100_000,
	PriceSlotBTC1M:  1_000_000,
	PriceSlotBTC2M:  2_000_000,
	PriceSlotBTC5M:  5_000_000,
	PriceSlotBTC10M: 10_000_000,
	PriceSlotBTC50M: 50_000_000,
}

// Msats returns the slot's floor value in millisatoshis.
func (s PriceSlot) Msats() int64 {
	return priceSlotMsats[s]
}

// Valid reports whether s is a known slot.
func (s PriceSlot) Valid() bool {
	_, ok := priceSlotMsats[s]
	return ok
}

// AtOrAbove returns this slot and every higher slot, lowest first. It is
// the tag value set for "this amount or better" subscription filters.
func (s PriceSlot) AtOrAbove() []string {
	out := make([]string, 0, len(priceSlots))
	found := false
	for _, slot := range priceSlots {
		if slot == s {
			found = true
		}
		if found {
			out = append(out, string(slot))
		}
	}
	return out
}

// PriceSlotFromMsats returns the highest slot whose value does not exceed
// msats, or an error when msats is below the lowest slot.
func PriceSlotFromMsats(msats int64) (PriceSlot, error) {
	for i := len(priceSlots) - 1; i >= 0; i-- {
		if priceSlots[i].Msats() <= msats {
			return priceSlots[i], nil
		}
	}
	return "", fmt.Errorf("no price slot at or below %d msats", msats)
}

// ParsePriceSlot parses a slot tag value.
func ParsePriceSlot(s string) (PriceSlot, error) {
	slot := PriceSlot(s)
	if !slot.Valid() {
		return "", fmt.Errorf("unknown price slot %q", s)
	}
	return slot, nil
}
