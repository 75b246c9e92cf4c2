package orchestrator

import (
	"image"

	"github.com/banshee-data/safety.report/internal/vision/frames"
)

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// regionOf derives the region of interest for a stage from its upstream
// results. Root stages get the full frame.
func regionOf(img image.Image, deps []string, upstream map[string]frames.StageResult, pad int) (image.Rectangle, []image.Rectangle) {
	var bounds image.Rectangle
	if img != nil {
		bounds = img.Bounds()
	}
	if len(deps) == 0 {
		return bounds, nil
	}

	var union image.Rectangle
	var regions []image.Rectangle
	for _, d := range deps {
		res, ok := upstream[d]
		if !ok || !res.OK() {
			continue
		}
		for _, det := range res.Detections {
			r := det.BBox.Canon().Inset(-pad)
			if img != nil {
				r = r.Intersect(bounds)
			}
			if r.Empty() {
				continue
			}
			regions = append(regions, r)
			union = union.Union(r)
		}
	}
	return union, regions
}

// crop returns img restricted to r where the image type allows it.
func crop(img image.Image, r image.Rectangle) image.Image {
	if img == nil || r.Empty() {
		return nil
	}
	if r == img.Bounds() {
		return img
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	return img
}
