// Package geometry maps rectangles between the original image, the displayed
// (fitted) image and the normalized selection space.
package geometry

import (
	"math"

	"github.com/menta2k/image-segmenter/pkg/types"
)

// DefaultSelection returns the centered half-size selection used for new images
func DefaultSelection() types.Selection {
	return types.Selection{Left: 0.25, Top: 0.25, Width: 0.5, Height: 0.5}
}

// FitSizeIntoArea computes the size, position and scale needed to place a
// rectangle of the given size inside the area keeping its aspect ratio.
// The rectangle is only ever shrunk, never enlarged beyond its own size.
func FitSizeIntoArea(size types.Size, areaWidth, areaHeight float64) types.FitResult {
	heightRatio := areaHeight / size.Height
	widthRatio := areaWidth / size.Width
	scale := math.Min(math.Min(heightRatio, widthRatio), 1)
	if scale < 0 || math.IsNaN(scale) {
		scale = 0
	}

	return types.FitResult{
		X:      (areaWidth - scale*size.Width) / 2,
		Y:      (areaHeight - scale*size.Height) / 2,
		Width:  size.Width * scale,
		Height: size.Height * scale,
		Scale:  scale,
	}
}

// ToDisplayRect projects a normalized selection onto the displayed image
func ToDisplayRect(sel types.Selection, display types.Size) types.Rect {
	return types.Rect{
		Left:   sel.Left * display.Width,
		Top:    sel.Top * display.Height,
		Width:  sel.Width * display.Width,
		Height: sel.Height * display.Height,
	}
}

// FromDisplayRect normalizes an on-screen rectangle against the displayed image size.
// A zero display dimension yields zero for the fields on that axis.
func FromDisplayRect(rect types.Rect, display types.Size) types.Selection {
	return types.Selection{
		Left:   ratio(rect.Left, display.Width),
		Top:    ratio(rect.Top, display.Height),
		Width:  ratio(rect.Width, display.Width),
		Height: ratio(rect.Height, display.Height),
	}
}

// ToOriginalRect converts a selection into pixels of the unscaled image.
// The result always lies within [0, original.Width] x [0, original.Height].
func ToOriginalRect(sel types.Selection, original types.Size) types.Rect {
	left := clamp(sel.Left*original.Width, 0, original.Width)
	top := clamp(sel.Top*original.Height, 0, original.Height)

	return types.Rect{
		Left:   left,
		Top:    top,
		Width:  clamp(math.Min(sel.Width*original.Width, original.Width-left), 0, original.Width),
		Height: clamp(math.Min(sel.Height*original.Height, original.Height-top), 0, original.Height),
	}
}

// ClampSelection keeps a selection inside the unit square
func ClampSelection(sel types.Selection) types.Selection {
	left := clamp(sel.Left, 0, 1)
	top := clamp(sel.Top, 0, 1)
	return types.Selection{
		Left:   left,
		Top:    top,
		Width:  clamp(sel.Width, 0, 1-left),
		Height: clamp(sel.Height, 0, 1-top),
	}
}

func ratio(v, total float64) float64 {
	if total == 0 {
		return 0
	}
	return v / total
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
