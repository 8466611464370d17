package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"maskregistration/internal/logging"
	"maskregistration/internal/models"
)

// Codec reads and writes labeled NIfTI-1 volumes
type Codec struct {
	log *logrus.Entry
}

// NewCodec creates a codec logging under the "nifti" component
func NewCodec() *Codec {
	return &Codec{log: logging.For("nifti")}
}

// WithLogger replaces the codec's logger
func (c *Codec) WithLogger(log *logrus.Entry) *Codec {
	c.log = log
	return c
}

func (c *Codec) logger() *logrus.Entry {
	if c.log == nil {
		return logging.Discard()
	}
	return c.log
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// readFile returns the decompressed file content
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if isGzip(path) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream of %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// ReadHeader returns the header of a NIfTI file
func (c *Codec) ReadHeader(path string) (Header, error) {
	b, err := readFile(path)
	if err != nil {
		return Header{}, err
	}
	h, _, err := decodeHeader(b)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// ReadVolume reads the first 3D volume of a NIfTI file as intensities with
// scl_slope/scl_inter applied
func (c *Codec) ReadVolume(path string) (*models.Volume, error) {
	vol, _, err := c.read(path)
	return vol, err
}

func (c *Codec) read(path string) (*models.Volume, Header, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, Header{}, err
	}
	h, order, err := decodeHeader(b)
	if err != nil {
		return nil, h, fmt.Errorf("%s: %w", path, err)
	}

	bpv := bytesPerVoxel(h.DataType)
	if bpv == 0 {
		return nil, h, fmt.Errorf("%w: %d in %s", ErrUnsupportedDataType, h.DataType, path)
	}

	vol := models.NewVolume(h.Frame())
	offset := int(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	need := offset + len(vol.Data)*bpv
	if len(b) < need {
		return nil, h, fmt.Errorf("%s is truncated: %d bytes, expected %d", path, len(b), need)
	}

	decodeVoxels(b[offset:need], order, h.DataType, vol.Data)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i, v := range vol.Data {
			vol.Data[i] = float32(float64(v)*slope + inter)
		}
	}

	c.logger().WithFields(logrus.Fields{
		"path":     path,
		"dataType": h.DataType,
		"frame":    vol.Frame.String(),
	}).Debug("Read NIfTI volume")
	return vol, h, nil
}

// decodeVoxels converts raw voxel bytes of a supported data type
func decodeVoxels(raw []byte, order binary.ByteOrder, dataType int16, dst []float32) {
	for i := range dst {
		switch dataType {
		case dtUint8:
			dst[i] = float32(raw[i])
		case dtInt8:
			dst[i] = float32(int8(raw[i]))
		case dtInt16:
			dst[i] = float32(int16(order.Uint16(raw[2*i:])))
		case dtUint16:
			dst[i] = float32(order.Uint16(raw[2*i:]))
		case dtInt32:
			dst[i] = float32(int32(order.Uint32(raw[4*i:])))
		case dtUint32:
			dst[i] = float32(order.Uint32(raw[4*i:]))
		case dtFloat32:
			dst[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
		case dtFloat64:
			dst[i] = float32(math.Float64frombits(order.Uint64(raw[8*i:])))
		}
	}
}

// ReadLabels reads a label map, rounding values to the nearest label id
func (c *Codec) ReadLabels(path string) (*models.LabeledVolume, error) {
	vol, err := c.ReadVolume(path)
	if err != nil {
		return nil, err
	}
	return vol.Labels(), nil
}

// WriteLabels writes vol as an uncompressed or gzipped (.gz suffix) NIfTI-1
// file with uint16 voxels and both qform and sform set from the frame
func (c *Codec) WriteLabels(path string, vol *models.LabeledVolume) error {
	return c.write(path, vol, nil)
}

func (c *Codec) write(path string, vol *models.LabeledVolume, base *Header) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	for i, n := range vol.Frame.Size {
		if n > math.MaxInt16 {
			return fmt.Errorf("dimension %d of size %d does not fit a NIfTI-1 header", i, n)
		}
	}

	h := newHeader(vol.Frame, base)

	var buf bytes.Buffer
	buf.Grow(dataOffset + 2*len(vol.Data))
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// Empty extension block
	buf.Write([]byte{0, 0, 0, 0})
	if err := binary.Write(&buf, binary.LittleEndian, vol.Data); err != nil {
		return fmt.Errorf("failed to encode voxels: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if isGzip(path) {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("failed to finish gzip stream of %s: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	c.logger().WithFields(logrus.Fields{"path": path, "frame": vol.Frame.String()}).Debug("Wrote NIfTI volume")
	return nil
}

// Normalize reloads the file and writes it back in place, keeping the
// descriptive header fields. The result is the canonical uint16 encoding of
// the same labels and geometry.
func (c *Codec) Normalize(path string) error {
	vol, h, err := c.read(path)
	if err != nil {
		return err
	}
	return c.write(path, vol.Labels(), &h)
}
