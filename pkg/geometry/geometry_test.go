package geometry

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/menta2k/image-segmenter/pkg/types"
)

const eps = 1e-9

func TestFitSizeIntoArea_ShrinksLargeImage(t *testing.T) {
	fit := FitSizeIntoArea(types.Size{Width: 4000, Height: 3000}, 800, 600)

	assert.InDelta(t, 0.2, fit.Scale, eps)
	assert.InDelta(t, 800, fit.Width, eps)
	assert.InDelta(t, 600, fit.Height, eps)
	assert.InDelta(t, 0, fit.X, eps)
	assert.InDelta(t, 0, fit.Y, eps)
}

func TestFitSizeIntoArea_NeverUpscales(t *testing.T) {
	fit := FitSizeIntoArea(types.Size{Width: 400, Height: 300}, 800, 600)

	assert.Equal(t, 1.0, fit.Scale)
	assert.Equal(t, 400.0, fit.Width)
	assert.Equal(t, 300.0, fit.Height)
	assert.Equal(t, 200.0, fit.X)
	assert.Equal(t, 150.0, fit.Y)
}

func TestFitSizeIntoArea_LetterboxesByLimitingAxis(t *testing.T) {
	fit := FitSizeIntoArea(types.Size{Width: 1000, Height: 1000}, 800, 400)

	assert.InDelta(t, 0.4, fit.Scale, eps)
	assert.InDelta(t, 400, fit.Width, eps)
	assert.InDelta(t, 400, fit.Height, eps)
	assert.InDelta(t, 200, fit.X, eps)
	assert.InDelta(t, 0, fit.Y, eps)
}

func TestFitSizeIntoArea_ZeroArea(t *testing.T) {
	fit := FitSizeIntoArea(types.Size{Width: 640, Height: 480}, 0, 0)

	assert.Equal(t, 0.0, fit.Scale)
	assert.Equal(t, 0.0, fit.Width)
	assert.Equal(t, 0.0, fit.Height)
	assert.Equal(t, 0.0, fit.X)
	assert.Equal(t, 0.0, fit.Y)
}

func TestFitSizeIntoArea_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		size := types.Size{Width: 1 + rng.Float64()*5000, Height: 1 + rng.Float64()*5000}
		areaW, areaH := rng.Float64()*3000, rng.Float64()*3000

		fit := FitSizeIntoArea(size, areaW, areaH)

		assert.LessOrEqual(t, fit.Scale, 1.0)
		assert.GreaterOrEqual(t, fit.Scale, 0.0)
		assert.InDelta(t, areaW/2, fit.X+fit.Width/2, 1e-6)
		assert.InDelta(t, areaH/2, fit.Y+fit.Height/2, 1e-6)
		assert.LessOrEqual(t, fit.Width, areaW+1e-6)
		assert.LessOrEqual(t, fit.Height, areaH+1e-6)
	}
}

func TestDisplayRect_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		sel := types.Selection{Left: rng.Float64(), Top: rng.Float64(), Width: rng.Float64(), Height: rng.Float64()}
		display := types.Size{Width: 1 + rng.Float64()*2000, Height: 1 + rng.Float64()*2000}

		got := FromDisplayRect(ToDisplayRect(sel, display), display)

		assert.InDelta(t, sel.Left, got.Left, eps)
		assert.InDelta(t, sel.Top, got.Top, eps)
		assert.InDelta(t, sel.Width, got.Width, eps)
		assert.InDelta(t, sel.Height, got.Height, eps)
	}
}

func TestFromDisplayRect_NonSquareUsesHeightForTop(t *testing.T) {
	sel := FromDisplayRect(types.Rect{Left: 100, Top: 50, Width: 200, Height: 100}, types.Size{Width: 800, Height: 200})

	assert.InDelta(t, 0.125, sel.Left, eps)
	assert.InDelta(t, 0.25, sel.Top, eps)
	assert.InDelta(t, 0.25, sel.Width, eps)
	assert.InDelta(t, 0.5, sel.Height, eps)
}

func TestFromDisplayRect_ZeroDisplay(t *testing.T) {
	sel := FromDisplayRect(types.Rect{Left: 10, Top: 10, Width: 10, Height: 10}, types.Size{})
	assert.Equal(t, types.Selection{}, sel)
}

func TestToOriginalRect_DefaultSelection(t *testing.T) {
	rect := ToOriginalRect(DefaultSelection(), types.Size{Width: 1000, Height: 500})
	assert.Equal(t, types.Rect{Left: 250, Top: 125, Width: 500, Height: 250}, rect)
}

func TestToOriginalRect_ClampsOverflow(t *testing.T) {
	sel := types.Selection{Left: 0.8, Top: 0.8, Width: 0.5, Height: 0.5}
	rect := ToOriginalRect(sel, types.Size{Width: 1000, Height: 1000})

	assert.InDelta(t, 800, rect.Left, eps)
	assert.InDelta(t, 800, rect.Top, eps)
	assert.InDelta(t, 200, rect.Width, eps)
	assert.InDelta(t, 200, rect.Height, eps)
}

func TestToOriginalRect_StaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		sel := types.Selection{
			Left:   rng.Float64()*3 - 1,
			Top:    rng.Float64()*3 - 1,
			Width:  rng.Float64()*3 - 1,
			Height: rng.Float64()*3 - 1,
		}
		original := types.Size{Width: 1 + rng.Float64()*4000, Height: 1 + rng.Float64()*4000}

		rect := ToOriginalRect(sel, original)

		assert.GreaterOrEqual(t, rect.Left, 0.0)
		assert.GreaterOrEqual(t, rect.Top, 0.0)
		assert.GreaterOrEqual(t, rect.Width, 0.0)
		assert.GreaterOrEqual(t, rect.Height, 0.0)
		assert.LessOrEqual(t, rect.Right(), original.Width+1e-9)
		assert.LessOrEqual(t, rect.Bottom(), original.Height+1e-9)
	}
}

func TestClampSelection(t *testing.T) {
	got := ClampSelection(types.Selection{Left: -0.2, Top: 0.9, Width: 1.5, Height: 0.5})
	assert.InDelta(t, 0, got.Left, eps)
	assert.InDelta(t, 0.9, got.Top, eps)
	assert.InDelta(t, 1, got.Width, eps)
	assert.InDelta(t, 0.1, got.Height, eps)
}
