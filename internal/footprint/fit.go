package footprint

import (
	"fmt"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

const tooLargeMsg = "model too large to fit in the board; it won't be compiled"

// Need is what a compiled model requires from a board, in bytes.
type Need struct {
	ROM       int64 // weights
	RAM       int64 // activations
	KernelLib int64 // network runtime code
}

// NeedOf derives the board requirements from a report.
func NeedOf(r *Report) Need {
	return Need{ROM: r.WeightsROM, RAM: r.ActivationsRAM, KernelLib: r.CodeROM}
}

// Placement is the outcome of a fit check.
type Placement struct {
	// FreeInternalFlash is the internal flash left for weights.
	FreeInternalFlash int64
	// SplitWeights is set when the weights overflow internal flash.
	SplitWeights bool
	// SplitRAM is set when the activations overflow internal RAM.
	SplitRAM bool
}

// Fit checks need against board. It fails when the model exceeds the
// board's internal plus external memory, and otherwise reports whether
// weights or activations must be split across internal and external
// memory.
func Fit(board Board, need Need) (Placement, error) {
	p := Placement{FreeInternalFlash: board.InternalFlash - need.KernelLib - board.AppFlash}
	p.SplitWeights = need.ROM > p.FreeInternalFlash
	p.SplitRAM = board.InternalRAM < need.RAM

	if need.ROM > board.InternalFlash+board.ExternalFlash-board.AppFlash {
		e := errkind.New(errkind.KindFootprint, errkind.ModelTooLargeFlash, tooLargeMsg)
		e.Section = board.Name
		e.Hint = fmt.Sprintf("The weights need %.1f KiB of flash", kib(need.ROM))
		return p, e
	}
	if need.RAM > board.InternalRAM+board.ExternalRAM {
		e := errkind.New(errkind.KindFootprint, errkind.ModelTooLargeRAM, tooLargeMsg)
		e.Section = board.Name
		e.Hint = fmt.Sprintf("The activations need %.1f KiB of RAM", kib(need.RAM))
		return p, e
	}
	if p.FreeInternalFlash < 0 {
		p.FreeInternalFlash = 0
	}
	return p, nil
}
