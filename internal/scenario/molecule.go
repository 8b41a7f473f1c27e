package scenario

import (
	"github.com/cockroachdb/errors"
	"github.com/iotaledger/hive.go/marshalutil"
)

// The wire form follows the molecule layout:
//
//	Data   table  { spawns: dynvec<Spawn>, pipes: fixvec<Pipe>, writes: dynvec<Write> }
//	Spawn  table  { from: u64, child: u64, pipes: fixvec<u64> }
//	Pipe   struct { vm: u64, read_pipe: u64, write_pipe: u64 }
//	Write  table  { from: u64, from_pipe: u64, to: u64, to_pipe: u64, data: fixvec<byte> }
//
// Tables and dynvecs carry a u32 total size followed by u32 offsets; fixvecs
// carry a u32 item count. Every integer is little endian.

// ErrMalformed is returned by Decode for bytes that are not a scenario.
var ErrMalformed = errors.New("malformed scenario data")

const pipeSize = 24

// Encode serializes d.
func (d *Data) Encode() []byte {
	spawns := make([][]byte, len(d.Spawns))
	for i, s := range d.Spawns {
		pipes := marshalutil.New().WriteUint32(uint32(len(s.Pipes)))
		for _, p := range s.Pipes {
			pipes.WriteUint64(p)
		}
		spawns[i] = table(u64(s.From), u64(s.Child), pipes.Bytes())
	}

	pipes := marshalutil.New().WriteUint32(uint32(len(d.Pipes)))
	for _, p := range d.Pipes {
		pipes.WriteUint64(p.VM).WriteUint64(p.ReadPipe).WriteUint64(p.WritePipe)
	}

	writes := make([][]byte, len(d.Writes))
	for i, w := range d.Writes {
		data := marshalutil.New().WriteUint32(uint32(len(w.Data))).WriteBytes(w.Data).Bytes()
		writes[i] = table(u64(w.From), u64(w.FromPipe), u64(w.To), u64(w.ToPipe), data)
	}

	return table(table(spawns...), pipes.Bytes(), table(writes...))
}

// table lays out fields with a header of total size and field offsets. A
// dynvec has the same layout.
func table(fields ...[]byte) []byte {
	header := 4 * (len(fields) + 1)
	total := header
	for _, f := range fields {
		total += len(f)
	}
	w := marshalutil.New(total).WriteUint32(uint32(total))
	offset := header
	for _, f := range fields {
		w.WriteUint32(uint32(offset))
		offset += len(f)
	}
	for _, f := range fields {
		w.WriteBytes(f)
	}
	return w.Bytes()
}

func u64(v uint64) []byte {
	return marshalutil.New(8).WriteUint64(v).Bytes()
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (*Data, error) {
	fields, err := untable(data, 3)
	if err != nil {
		return nil, errors.Wrap(err, "data")
	}
	d := &Data{Spawns: []Spawn{}, Writes: []Write{}}

	spawns, err := untable(fields[0], -1)
	if err != nil {
		return nil, errors.Wrap(err, "spawns")
	}
	for i, raw := range spawns {
		f, err := untable(raw, 3)
		if err != nil {
			return nil, errors.Wrapf(err, "spawn %d", i)
		}
		s := Spawn{}
		if s.From, err = readU64(f[0]); err != nil {
			return nil, errors.Wrapf(err, "spawn %d", i)
		}
		if s.Child, err = readU64(f[1]); err != nil {
			return nil, errors.Wrapf(err, "spawn %d", i)
		}
		if s.Pipes, err = readU64s(f[2]); err != nil {
			return nil, errors.Wrapf(err, "spawn %d pipes", i)
		}
		d.Spawns = append(d.Spawns, s)
	}

	r := marshalutil.New(fields[1])
	count, err := r.ReadUint32()
	if err != nil || len(fields[1]) != 4+int(count)*pipeSize {
		return nil, errors.Wrap(ErrMalformed, "pipes")
	}
	d.Pipes = make([]Pipe, count)
	for i := range d.Pipes {
		d.Pipes[i].VM, _ = r.ReadUint64()
		d.Pipes[i].ReadPipe, _ = r.ReadUint64()
		d.Pipes[i].WritePipe, _ = r.ReadUint64()
	}

	writes, err := untable(fields[2], -1)
	if err != nil {
		return nil, errors.Wrap(err, "writes")
	}
	for i, raw := range writes {
		f, err := untable(raw, 5)
		if err != nil {
			return nil, errors.Wrapf(err, "write %d", i)
		}
		w := Write{}
		for j, dst := range []*uint64{&w.From, &w.FromPipe, &w.To, &w.ToPipe} {
			if *dst, err = readU64(f[j]); err != nil {
				return nil, errors.Wrapf(err, "write %d", i)
			}
		}
		if w.Data, err = readBytes(f[4]); err != nil {
			return nil, errors.Wrapf(err, "write %d data", i)
		}
		d.Writes = append(d.Writes, w)
	}
	return d, nil
}

// untable splits a table or dynvec into its fields. want < 0 accepts any
// field count.
func untable(data []byte, want int) ([][]byte, error) {
	r := marshalutil.New(data)
	total, err := r.ReadUint32()
	if err != nil || int(total) != len(data) {
		return nil, errors.Wrap(ErrMalformed, "size mismatch")
	}
	if total == 4 {
		if want > 0 {
			return nil, errors.Wrapf(ErrMalformed, "want %d fields, got none", want)
		}
		return nil, nil
	}
	first, err := r.ReadUint32()
	if err != nil || first < 8 || first%4 != 0 || first > total {
		return nil, errors.Wrap(ErrMalformed, "bad header")
	}
	n := int(first/4) - 1
	if want >= 0 && n != want {
		return nil, errors.Wrapf(ErrMalformed, "want %d fields, got %d", want, n)
	}
	offsets := []uint32{first}
	for i := 1; i < n; i++ {
		off, err := r.ReadUint32()
		if err != nil || off < offsets[i-1] || off > total {
			return nil, errors.Wrap(ErrMalformed, "bad offset")
		}
		offsets = append(offsets, off)
	}
	offsets = append(offsets, total)
	fields := make([][]byte, n)
	for i := range fields {
		fields[i] = data[offsets[i]:offsets[i+1]]
	}
	return fields, nil
}

func readU64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, errors.Wrapf(ErrMalformed, "index of %d bytes", len(data))
	}
	return marshalutil.New(data).ReadUint64()
}

func readU64s(data []byte) ([]uint64, error) {
	r := marshalutil.New(data)
	count, err := r.ReadUint32()
	if err != nil || len(data) != 4+8*int(count) {
		return nil, errors.Wrap(ErrMalformed, "fixvec size")
	}
	out := make([]uint64, count)
	for i := range out {
		out[i], _ = r.ReadUint64()
	}
	return out, nil
}

func readBytes(data []byte) ([]byte, error) {
	r := marshalutil.New(data)
	count, err := r.ReadUint32()
	if err != nil || len(data) != 4+int(count) {
		return nil, errors.Wrap(ErrMalformed, "fixvec size")
	}
	return append([]byte{}, data[4:]...), nil
}
