package vision

import "image"

// NormalizeRect converts a pixel rectangle with a top-left origin into a
// BoundingBox relative to bounds with a bottom-left origin
func NormalizeRect(r image.Rectangle, bounds image.Rectangle) BoundingBox {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	if w <= 0 || h <= 0 {
		return BoundingBox{}
	}
	r = r.Intersect(bounds)
	return BoundingBox{
		X:      float64(r.Min.X-bounds.Min.X) / w,
		Y:      float64(bounds.Max.Y-r.Max.Y) / h,
		Width:  float64(r.Dx()) / w,
		Height: float64(r.Dy()) / h,
	}
}
