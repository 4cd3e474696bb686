package models

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// shiftRight turns gold targets into decoder inputs: START followed by
// every gold symbol but the last.
func shiftRight(gold [][]int) [][]int {
	out := make([][]int, len(gold))
	for b, row := range gold {
		in := make([]int, len(row))
		if len(in) > 0 {
			in[0] = vocab.StartIdx
			copy(in[1:], row[:len(row)-1])
		}
		out[b] = in
	}
	return out
}

func column(rows [][]int, t int) []int {
	col := make([]int, len(rows))
	for b, row := range rows {
		col[b] = row[t]
	}
	return col
}

func fill(n, v int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// teacherForced decodes with the gold prefix as input and returns one
// [B, V] log-distribution per target position.
func teacherForced(g *tensor.Graph, dec Decoder, enc *EncoderOutput, target *batch.PaddedTensor, rng *rand.Rand) []*tensor.Tensor {
	inputs := shiftRight(target.Indices)
	if fd, ok := dec.(forcedDecoder); ok {
		return fd.Forced(g, inputs, enc, rng)
	}
	st := dec.Start(g, enc)
	out := make([]*tensor.Tensor, target.Width())
	for t := range out {
		out[t], st, _ = dec.Step(g, column(inputs, t), st, enc, rng)
	}
	return out
}

// decodeOptions controls autoregressive decoding.
type decodeOptions struct {
	// steps bounds the number of positions.
	steps int
	// fixed decodes exactly steps positions even once every row is done.
	fixed bool
	// sample draws each symbol from the model distribution with this
	// source instead of taking the arg-max.
	sample *rand.Rand
	// gold, when set, is fed as input in place of the predictions.
	gold [][]int
	// dropout is the source for dropout, nil at inference.
	dropout *rand.Rand
}

// padLogProbs is the log of a one-hot distribution on PAD.
func padLogProbs(g *tensor.Graph, rows, cols int) *tensor.Tensor {
	data := make([]float64, rows*cols)
	for i := range data {
		if i%cols != vocab.PadIdx {
			data[i] = math.Inf(-1)
		}
	}
	return g.Const(rows, cols, data)
}

// greedy returns the index of the largest entry; the lowest index wins
// ties.
func greedy(logProbs []float64) int {
	return floats.MaxIdx(logProbs)
}

func sampleFrom(logProbs []float64, rng *rand.Rand) int {
	w := make([]float64, len(logProbs))
	for i, lp := range logProbs {
		w[i] = math.Exp(lp)
	}
	return int(distuv.NewCategorical(w, rng).Rand())
}

// autoregressive decodes by feeding every row its own previous symbol.
// Rows that have produced END emit a one-hot PAD distribution and predict
// PAD from then on, so every step keeps the full batch shape.
func autoregressive(g *tensor.Graph, dec Decoder, enc *EncoderOutput, opts decodeOptions) ([]*tensor.Tensor, [][]int) {
	n := enc.Size()
	prev := fill(n, vocab.StartIdx)
	finished := make([]bool, n)
	preds := make([][]int, n)
	st := dec.Start(g, enc)

	var out []*tensor.Tensor
	for t := 0; t < opts.steps; t++ {
		logProbs, next, _ := dec.Step(g, prev, st, enc, opts.dropout)
		st = next

		keep := make([]bool, n)
		anyDone := false
		for b := range keep {
			keep[b] = !finished[b]
			anyDone = anyDone || finished[b]
		}
		if anyDone {
			logProbs = g.Blend(logProbs, padLogProbs(g, n, logProbs.Cols), keep)
		}
		out = append(out, logProbs)

		done := 0
		for b := 0; b < n; b++ {
			sym := vocab.PadIdx
			if !finished[b] {
				if opts.sample != nil {
					sym = sampleFrom(logProbs.Row(b), opts.sample)
				} else {
					sym = greedy(logProbs.Row(b))
				}
			}
			preds[b] = append(preds[b], sym)
			prev[b] = sym
			if opts.gold != nil {
				prev[b] = opts.gold[b][t]
			}
			if prev[b] == vocab.EndIdx {
				finished[b] = true
			}
			if finished[b] {
				done++
			}
		}
		if done == n && !opts.fixed {
			break
		}
	}
	return out, preds
}

type hypothesis struct {
	symbols []int
	score   float64
	done    bool
}

func (h hypothesis) last() int {
	if len(h.symbols) == 0 {
		return vocab.StartIdx
	}
	return h.symbols[len(h.symbols)-1]
}

type candidate struct {
	parent int
	symbol int // -1 carries a finished hypothesis over
	score  float64
}

// beamSearch decodes every example with its own beam of the given width.
// Hypotheses are ranked by summed log-probability; the returned one
// maximizes score/len^alpha. With width 1 it returns the greedy decoding.
func beamSearch(g *tensor.Graph, dec Decoder, enc *EncoderOutput, width, maxLen int, alpha float64) [][]int {
	out := make([][]int, enc.Size())
	for b := range out {
		out[b] = beamSearchOne(g, dec, enc.Select(g, []int{b}), width, maxLen, alpha)
	}
	return out
}

func beamSearchOne(g *tensor.Graph, dec Decoder, enc *EncoderOutput, width, maxLen int, alpha float64) []int {
	beams := []hypothesis{{}}
	st := dec.Start(g, enc)
	for t := 0; t < maxLen; t++ {
		live := false
		for _, h := range beams {
			live = live || !h.done
		}
		if !live {
			break
		}

		prev := make([]int, len(beams))
		for k, h := range beams {
			prev[k] = h.last()
		}
		logProbs, next, _ := dec.Step(g, prev, st, enc, nil)

		var cands []candidate
		for k, h := range beams {
			if h.done {
				cands = append(cands, candidate{parent: k, symbol: -1, score: h.score})
				continue
			}
			for v, lp := range logProbs.Row(k) {
				if !math.IsInf(lp, -1) {
					cands = append(cands, candidate{parent: k, symbol: v, score: h.score + lp})
				}
			}
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		if len(cands) > width {
			cands = cands[:width]
		}

		parents := make([]int, len(cands))
		nextBeams := make([]hypothesis, len(cands))
		for k, c := range cands {
			parents[k] = c.parent
			h := beams[c.parent]
			if c.symbol < 0 {
				nextBeams[k] = h
				continue
			}
			syms := append(append(make([]int, 0, len(h.symbols)+1), h.symbols...), c.symbol)
			nextBeams[k] = hypothesis{symbols: syms, score: c.score, done: c.symbol == vocab.EndIdx}
		}
		beams = nextBeams
		st = next.Select(g, parents)
		enc = enc.Select(g, make([]int, len(beams)))
	}

	best, bestScore := 0, math.Inf(-1)
	for k, h := range beams {
		s := h.score
		if alpha > 0 && len(h.symbols) > 0 {
			s /= math.Pow(float64(len(h.symbols)), alpha)
		}
		if s > bestScore {
			best, bestScore = k, s
		}
	}
	return beams[best].symbols
}

// trimAtEnd cuts every prediction before its first END and drops padding.
func trimAtEnd(preds [][]int) [][]int {
	out := make([][]int, len(preds))
	for b, row := range preds {
		out[b] = []int{}
		for _, sym := range row {
			if sym == vocab.EndIdx {
				break
			}
			if sym != vocab.PadIdx {
				out[b] = append(out[b], sym)
			}
		}
	}
	return out
}
