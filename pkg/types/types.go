package types

// Size holds the pixel dimensions of an image
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FitResult is the placement of a scaled rectangle inside a target area
type FitResult struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Scale  float64 `json:"scale"`
}

// Size returns the scaled width and height of the fit
func (f FitResult) Size() Size {
	return Size{Width: f.Width, Height: f.Height}
}

// Selection is a rectangle normalized to the displayed image box.
// Fields are expected in [0,1] but are not clamped.
type Selection struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is a rectangle in pixel space
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the x coordinate of the right edge
func (r Rect) Right() float64 { return r.Left + r.Width }

// Bottom returns the y coordinate of the bottom edge
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// SegmentRequest is the message sent to the segmentation service for a new selection
type SegmentRequest struct {
	Image     string `json:"image"`
	Selection Rect   `json:"selection"`
}

// Refinement actions understood by the segmentation service
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// RefineRequest marks a stroke as foreground ("add") or background ("remove")
// on the mask of the current exchange
type RefineRequest struct {
	Action string  `json:"action"`
	Path   string  `json:"path"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
}

// Primary represents the primary subject detected in an image by a vision model
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Box represents a normalized bounding box as returned by vision models
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Selection converts the box into a selection
func (b Box) Selection() Selection {
	return Selection{Left: b.X, Top: b.Y, Width: b.W, Height: b.H}
}

// AnalysisResult contains the subject answer from the vision model
type AnalysisResult struct {
	Primary     Primary `json:"primary"`
	Description string  `json:"description"`
}
