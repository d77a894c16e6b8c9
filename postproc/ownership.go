package postproc

import "fmt"

const unowned = -1

// RowOwnership assigns every feature row to exactly one writer. Claims are
// checked as they are made, so concurrent writers only start once the whole
// partition is known to be disjoint and complete.
type RowOwnership struct {
	owner []int
}

// NewRowOwnership creates an ownership table for n rows, all unclaimed
func NewRowOwnership(n int) *RowOwnership {
	owner := make([]int, n)
	for i := range owner {
		owner[i] = unowned
	}
	return &RowOwnership{owner: owner}
}

// Claim gives rows to writer. It fails without partial effect if any row is
// out of range or already owned.
func (o *RowOwnership) Claim(writer int, rows []int) error {
	for _, r := range rows {
		if r < 0 || r >= len(o.owner) {
			return fmt.Errorf("writer %d claims row %d outside [0, %d)", writer, r, len(o.owner))
		}
		if prev := o.owner[r]; prev != unowned && prev != writer {
			return fmt.Errorf("%w: row %d owned by writer %d, claimed by %d", ErrOverlappingRows, r, prev, writer)
		}
	}
	for _, r := range rows {
		o.owner[r] = writer
	}
	return nil
}

// Complete returns an error naming the first row nobody claimed
func (o *RowOwnership) Complete() error {
	for r, w := range o.owner {
		if w == unowned {
			return fmt.Errorf("row %d has no owner", r)
		}
	}
	return nil
}
