package mapout

import (
	"fmt"

	"github.com/itzzy/shuf"
)

// Status is the completion summary of a committed attempt: the storage
// location identity and one byte length per partition, in partition
// order. A zero length marks an empty partition. len(Sizes) always
// equals the writer's NumPartitions.
//
// *Status implements shuf.Datum so summaries can travel through kv
// files to the scheduling layer.
type Status struct {
	Location string
	Sizes    []int64
}

func (st *Status) WriteTo(w shuf.Writer) error {
	if err := shuf.VInt(len(st.Location)).WriteTo(w); err != nil {
		return err
	}
	if _, err := w.Write([]byte(st.Location)); err != nil {
		return err
	}
	if err := shuf.VInt(len(st.Sizes)).WriteTo(w); err != nil {
		return err
	}
	for _, sz := range st.Sizes {
		if err := shuf.VInt(sz).WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (st *Status) ReadFrom(r shuf.Reader, l int) error {
	var n shuf.VInt
	if err := (&n).ReadFrom(r, -1); err != nil {
		return err
	}
	var loc shuf.RawString
	if err := (&loc).ReadFrom(r, int(n)); err != nil {
		return err
	}
	st.Location = string(loc)
	if err := (&n).ReadFrom(r, -1); err != nil {
		return err
	}
	st.Sizes = make([]int64, n)
	for i := range st.Sizes {
		var sz shuf.VInt
		if err := (&sz).ReadFrom(r, -1); err != nil {
			return err
		}
		st.Sizes[i] = int64(sz)
	}
	return nil
}

func (st *Status) String() string {
	return fmt.Sprintf("Status(%s, %v)", st.Location, st.Sizes)
}
