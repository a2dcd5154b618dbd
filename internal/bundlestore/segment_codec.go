package bundlestore

import "encoding/binary"

// putSegmentHeader writes the 16-byte reserved header into the front of
// buf: bundleSizeField (u64 LE), nextSegmentId (u32 LE), 4 bytes padding.
func putSegmentHeader(buf []byte, bundleSizeField uint64, nextSegmentId SegmentId) {
	binary.LittleEndian.PutUint64(buf[0:8], bundleSizeField)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(nextSegmentId))
	buf[12], buf[13], buf[14], buf[15] = 0, 0, 0, 0
}

// segmentHeader is the decoded reserved prefix of one on-disk segment.
type segmentHeader struct {
	BundleSizeField uint64
	NextSegmentId   SegmentId
}

func getSegmentHeader(buf []byte) segmentHeader {
	return segmentHeader{
		BundleSizeField: binary.LittleEndian.Uint64(buf[0:8]),
		NextSegmentId:   SegmentId(binary.LittleEndian.Uint32(buf[8:12])),
	}
}
