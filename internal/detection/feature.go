package detection

import (
	"image"

	gocv "gocv.io/x/gocv"
)

// featureGrid splits a detection crop into featureGrid x featureGrid cells.
const featureGrid = 3

// AppearanceFeature computes a coarse color signature for a detection crop:
// the mean BGR of each grid cell, flattened. It is cheap enough to run per
// detection per frame and stable enough to separate differently dressed
// subjects for track association.
func AppearanceFeature(frame gocv.Mat, box image.Rectangle) []float64 {
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	box = box.Intersect(bounds)
	if box.Empty() || box.Dx() < featureGrid || box.Dy() < featureGrid {
		return nil
	}

	feature := make([]float64, 0, featureGrid*featureGrid*3)
	cellW := box.Dx() / featureGrid
	cellH := box.Dy() / featureGrid

	for gy := 0; gy < featureGrid; gy++ {
		for gx := 0; gx < featureGrid; gx++ {
			cell := image.Rect(
				box.Min.X+gx*cellW,
				box.Min.Y+gy*cellH,
				box.Min.X+(gx+1)*cellW,
				box.Min.Y+(gy+1)*cellH,
			)
			region := frame.Region(cell)
			mean := region.Mean()
			region.Close()
			feature = append(feature, mean.Val1, mean.Val2, mean.Val3)
		}
	}
	return feature
}
