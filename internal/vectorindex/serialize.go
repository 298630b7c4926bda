package vectorindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// Binary layout (little-endian throughout):
//
//	magic        [4]byte  "PVEC"
//	version      uint32
//	dim          uint32
//	metric       uint8  (0=cosine 1=l2 2=dot)
//	m            uint32
//	efConstruction uint32
//	entryPoint   int32
//	maxLevel     int32
//	nodeCount    uint32
//	vectors      nodeCount * dim * float32
//	levels       nodeCount * int32
//	for level in 0..=maxLevel:
//	  offsets    (nodeCount+1) * int32   (CSR offsets into neighbors)
//	  neighborCount uint32
//	  neighbors  neighborCount * int32
var (
	vecMagic   = [4]byte{'P', 'V', 'E', 'C'}
	vecVersion = uint32(1)
)

func metricByte(m model.DistanceMetric) uint8 {
	switch m {
	case model.MetricL2:
		return 1
	case model.MetricDot:
		return 2
	default:
		return 0
	}
}

func metricFromByte(b uint8) model.DistanceMetric {
	switch b {
	case 1:
		return model.MetricL2
	case 2:
		return model.MetricDot
	default:
		return model.MetricCosine
	}
}

// MarshalBinary serializes the graph as a packed node array plus per-level
// CSR adjacency, matching the on-disk layout spec §4.5/§9 describe.
func (g *Graph) MarshalBinary() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var buf bytes.Buffer
	buf.Write(vecMagic[:])
	writeU32(&buf, vecVersion)
	writeU32(&buf, uint32(g.Dim))
	buf.WriteByte(metricByte(g.Metric))
	writeU32(&buf, uint32(g.M))
	writeU32(&buf, uint32(g.EfConstruction))
	writeI32(&buf, g.entryPoint)
	writeI32(&buf, g.maxLevel)

	n := len(g.vectors)
	writeU32(&buf, uint32(n))

	for _, v := range g.vectors {
		for _, f := range v {
			writeU32(&buf, math.Float32bits(f))
		}
	}
	for _, lvl := range g.levels {
		writeI32(&buf, lvl)
	}

	for level := 0; level <= int(g.maxLevel); level++ {
		offsets := make([]int32, n+1)
		var neighbors []int32
		if level < len(g.neighbors) {
			for i := 0; i < n; i++ {
				offsets[i] = int32(len(neighbors))
				if i < len(g.neighbors[level]) {
					neighbors = append(neighbors, g.neighbors[level][i]...)
				}
			}
			offsets[n] = int32(len(neighbors))
		}
		for _, o := range offsets {
			writeI32(&buf, o)
		}
		writeU32(&buf, uint32(len(neighbors)))
		for _, nb := range neighbors {
			writeI32(&buf, nb)
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary reconstructs a graph from MarshalBinary's output.
func UnmarshalBinary(data []byte) (*Graph, error) {
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != vecMagic {
		return nil, fmt.Errorf("%w: bad vector segment magic", prismerr.ErrCorrupted)
	}
	version, err := readU32(r)
	if err != nil || version != vecVersion {
		return nil, fmt.Errorf("%w: unsupported vector segment version", prismerr.ErrCorrupted)
	}

	dim, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
	}
	metricB, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
	}
	m, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
	}
	efc, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
	}
	entryPoint, err := readI32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
	}
	maxLevel, err := readI32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
	}
	n, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
	}

	g := NewGraph(int(dim), metricFromByte(metricB), int(m), int(efc), 0, 1)
	g.entryPoint = entryPoint
	g.maxLevel = maxLevel

	g.vectors = make([][]float32, n)
	for i := range g.vectors {
		vec := make([]float32, dim)
		for d := range vec {
			bits, err := readU32(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
			}
			vec[d] = math.Float32frombits(bits)
		}
		g.vectors[i] = vec
	}

	g.levels = make([]int32, n)
	for i := range g.levels {
		lvl, err := readI32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
		}
		g.levels[i] = lvl
	}

	g.neighbors = make([][][]int32, maxLevel+1)
	for level := 0; level <= int(maxLevel); level++ {
		offsets := make([]int32, n+1)
		for i := range offsets {
			o, err := readI32(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
			}
			offsets[i] = o
		}
		neighborCount, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
		}
		flat := make([]int32, neighborCount)
		for i := range flat {
			v, err := readI32(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", prismerr.ErrCorrupted, err)
			}
			flat[i] = v
		}

		layer := make([][]int32, n)
		for i := 0; i < int(n); i++ {
			start, end := offsets[i], offsets[i+1]
			if end > start {
				layer[i] = append([]int32(nil), flat[start:end]...)
			}
		}
		g.neighbors[level] = layer
	}

	return g, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI32(buf *bytes.Buffer, v int32) {
	writeU32(buf, uint32(v))
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI32(r *bytes.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}
