package postproc

import "fmt"

// FeatureLayout names the order of the two inner axes of a FeatureBuffer
type FeatureLayout string

const (
	// LayoutChannelMajor is (spikes, channels, pcs), as produced by template matching
	LayoutChannelMajor FeatureLayout = "spike,channel,pc"
	// LayoutPCMajor is (spikes, pcs, channels), the layout curation tooling reads
	LayoutPCMajor FeatureLayout = "spike,pc,channel"
)

// FeatureBuffer is a dense row-major float32 tensor of per-spike PC features.
// Each spike owns one contiguous row of Channels*PCs values.
type FeatureBuffer struct {
	Data     []float32     `json:"data"`
	Spikes   int           `json:"spikes"`
	Channels int           `json:"channels"`
	PCs      int           `json:"pcs"`
	Layout   FeatureLayout `json:"layout"`
}

// NewFeatureBuffer allocates a zeroed channel-major buffer
func NewFeatureBuffer(spikes, channels, pcs int) *FeatureBuffer {
	return &FeatureBuffer{
		Data:     make([]float32, spikes*channels*pcs),
		Spikes:   spikes,
		Channels: channels,
		PCs:      pcs,
		Layout:   LayoutChannelMajor,
	}
}

// WrapFeatureBuffer uses data as a channel-major buffer without copying
func WrapFeatureBuffer(data []float32, spikes, channels, pcs int) (*FeatureBuffer, error) {
	if spikes < 0 || channels <= 0 || pcs <= 0 {
		return nil, fmt.Errorf("%w: shape (%d, %d, %d)", ErrShapeMismatch, spikes, channels, pcs)
	}
	if len(data) != spikes*channels*pcs {
		return nil, fmt.Errorf("%w: %d values for shape (%d, %d, %d)",
			ErrShapeMismatch, len(data), spikes, channels, pcs)
	}
	return &FeatureBuffer{
		Data:     data,
		Spikes:   spikes,
		Channels: channels,
		PCs:      pcs,
		Layout:   LayoutChannelMajor,
	}, nil
}

// Shape returns the buffer dimensions in storage order
func (fb *FeatureBuffer) Shape() [3]int {
	if fb.Layout == LayoutPCMajor {
		return [3]int{fb.Spikes, fb.PCs, fb.Channels}
	}
	return [3]int{fb.Spikes, fb.Channels, fb.PCs}
}

// RowLen is the number of values stored per spike
func (fb *FeatureBuffer) RowLen() int {
	return fb.Channels * fb.PCs
}

// Row returns spike i's values. The slice aliases the buffer.
func (fb *FeatureBuffer) Row(i int) []float32 {
	n := fb.RowLen()
	return fb.Data[i*n : (i+1)*n]
}

// At returns the feature for spike i, channel ch, component pc in either layout
func (fb *FeatureBuffer) At(i, ch, pc int) float32 {
	return fb.Data[fb.offset(i, ch, pc)]
}

func (fb *FeatureBuffer) offset(i, ch, pc int) int {
	if fb.Layout == LayoutPCMajor {
		return (i*fb.PCs+pc)*fb.Channels + ch
	}
	return (i*fb.Channels+ch)*fb.PCs + pc
}

// Power returns the sum of squared PC values of spike i on every channel.
// Only valid for channel-major buffers.
func (fb *FeatureBuffer) Power(i int, dst []float32) []float32 {
	dst = dst[:0]
	row := fb.Row(i)
	for ch := 0; ch < fb.Channels; ch++ {
		var s float32
		for _, v := range row[ch*fb.PCs : (ch+1)*fb.PCs] {
			s += v * v
		}
		dst = append(dst, s)
	}
	return dst
}

// Compact keeps only the rows where keep is true, moving them to the front of
// the backing array. The buffer is shrunk in place; no new storage is allocated.
func (fb *FeatureBuffer) Compact(keep []bool) error {
	if len(keep) != fb.Spikes {
		return fmt.Errorf("%w: keep mask has %d entries for %d spikes", ErrShapeMismatch, len(keep), fb.Spikes)
	}
	n := fb.RowLen()
	w := 0
	for i, k := range keep {
		if !k {
			continue
		}
		if w != i {
			copy(fb.Data[w*n:(w+1)*n], fb.Data[i*n:(i+1)*n])
		}
		w++
	}
	fb.Spikes = w
	fb.Data = fb.Data[:w*n]
	return nil
}

// narrowAndPermute rewrites a channel-major buffer whose rows carry their
// first k channels as the payload into a compact (spikes, pcs, k) buffer,
// reusing the same backing array. Destination row i never reaches past the
// start of source row i+1 because k <= Channels.
func (fb *FeatureBuffer) narrowAndPermute(k int) {
	src := fb.RowLen()
	dst := k * fb.PCs
	tmp := make([]float32, dst)
	for i := 0; i < fb.Spikes; i++ {
		row := fb.Data[i*src : i*src+dst]
		for ch := 0; ch < k; ch++ {
			for pc := 0; pc < fb.PCs; pc++ {
				tmp[pc*k+ch] = row[ch*fb.PCs+pc]
			}
		}
		copy(fb.Data[i*dst:(i+1)*dst], tmp)
	}
	fb.Data = fb.Data[:fb.Spikes*dst]
	fb.Channels = k
	fb.Layout = LayoutPCMajor
}
