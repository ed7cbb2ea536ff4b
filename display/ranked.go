// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package display

import (
	"math"
	"sync"
	"time"

	"github.com/NostrGameEngine/nostrads/protocol"
)

const (
	derankInitialImpact = 0.02
	derankFullImpact    = 0.3
	derankDecayTime     = 60 * time.Second
	derankAccumulation  = 0.9
	hardDerankFactor    = 0.00001
	// derank events older than 3x the decay window carry no weight and
	// are purged.
	derankPurgeAge = 3 * derankDecayTime

	minScale = 0.8
	maxScale = 1.2
)

type derankEvent struct {
	at   time.Time
	hard bool
}

// RankedAd is a candidate bid with its rolling derank history and the
// stored penalty of its author. Scores are recomputed on every read.
type RankedAd struct {
	bid *protocol.Bid

	mu      sync.Mutex
	deranks []derankEvent
	penalty int

	now func() time.Time
}

func newRankedAd(bid *protocol.Bid) *RankedAd {
	return &RankedAd{bid: bid, now: time.Now}
}

// Bid returns the underlying bid.
func (r *RankedAd) Bid() *protocol.Bid { return r.bid }

// Derank records a failure against this candidate. Hard deranks push the
// candidate to the bottom of the ranking for a full decay window; soft
// deranks decay gradually.
func (r *RankedAd) Derank(hard bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deranks = append(r.deranks, derankEvent{at: r.now(), hard: hard})
}

// SetPenalty updates the stored PoW penalty snapshot for the bid author.
func (r *RankedAd) SetPenalty(penalty int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.penalty = penalty
}

func (r *RankedAd) derankFactor() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.deranks) == 0 {
		return 1.0
	}
	now := r.now()

	kept := r.deranks[:0]
	for _, ev := range r.deranks {
		if now.Sub(ev.at) <= derankPurgeAge {
			kept = append(kept, ev)
		}
	}
	r.deranks = kept

	for _, ev := range r.deranks {
		if ev.hard && now.Sub(ev.at) < derankDecayTime {
			return hardDerankFactor
		}
	}

	total := 0.0
	for i, ev := range r.deranks {
		if ev.hard {
			continue
		}
		elapsed := now.Sub(ev.at)
		if elapsed >= derankDecayTime {
			continue
		}
		decay := float64(elapsed) / float64(derankDecayTime)
		impact := derankInitialImpact +
			(derankFullImpact-derankInitialImpact)*(1.0-math.Exp(-1.5*decay))
		total += impact * math.Pow(derankAccumulation, float64(i))
	}
	if total > 0.99 {
		total = 0.99
	}
	return 1.0 - total
}

// BaseScore is the placement-independent rank of the candidate: the log
// of the bid price, damped by recent deranks and the author's penalty.
func (r *RankedAd) BaseScore() float64 {
	price := math.Log(float64(r.bid.BidMsats) + 1)
	r.mu.Lock()
	penalty := r.penalty
	r.mu.Unlock()
	return price * r.derankFactor() / (1.0 + float64(penalty)/100.0)
}

// ContextualScore ranks the candidate against a concrete placement box.
// It returns -1 when the creative cannot be shown there at all.
func (r *RankedAd) ContextualScore(space *Adspace, width, height int) float64 {
	bidW := r.bid.Size.Width()
	bidH := r.bid.Size.Height()
	if width <= 0 || height <= 0 || bidW <= 0 || bidH <= 0 {
		return -1
	}

	scaleX := float64(width) / float64(bidW)
	scaleY := float64(height) / float64(bidH)
	if scaleX < minScale || scaleX > maxScale || scaleY < minScale || scaleY > maxScale {
		return -1
	}

	spaceAR := space.Ratio.Value()
	bidAR := r.bid.AspectRatio.Value()
	if ratioOfRatios(spaceAR, bidAR) > 2.0 {
		return -1
	}
	aspectScore := 0.7 + 0.3*math.Exp(-math.Abs(spaceAR-bidAR)*2.0)

	categoryScore := 1.0
	if len(space.Categories) > 0 && space.hasCategory(r.bid) {
		categoryScore = 1.2
	}

	sizeScore := math.Sqrt(
		axisRatio(width, bidW) * axisRatio(height, bidH))

	return r.BaseScore() * aspectScore * categoryScore * sizeScore
}

func ratioOfRatios(a, b float64) float64 {
	if a > b {
		return a / b
	}
	return b / a
}

func axisRatio(a, b int) float64 {
	if a > b {
		return float64(b) / float64(a)
	}
	return float64(a) / float64(b)
}
