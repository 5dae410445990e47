package drmkms

import (
	"encoding/binary"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	cerrors "github.com/cockroachdb/errors"

	"github.com/hbmgo/hbm"
)

const (
	clientCapUniversalPlanes = 2

	objectPlane = 0xeeeeeeee

	propNameLen = 32

	inFormatsProperty = "IN_FORMATS"

	// struct drm_format_modifier_blob header and array entry sizes, version 1
	formatBlobVersion    = 1
	formatBlobHeaderSize = 24
	formatModifierSize   = 24
)

type (
	sysSetClientCap struct {
		Capability uint64
		Value      uint64
	}

	sysGetPlaneRes struct {
		PlaneIDPtr  uint64
		CountPlanes uint32
	}

	sysObjGetProperties struct {
		PropsPtr      uint64
		PropValuesPtr uint64
		CountProps    uint32
		ObjID         uint32
		ObjType       uint32
	}

	sysGetProperty struct {
		ValuesPtr      uint64
		EnumBlobPtr    uint64
		PropID         uint32
		Flags          uint32
		Name           [propNameLen]byte
		CountValues    uint32
		CountEnumBlobs uint32
	}

	sysGetBlob struct {
		BlobID uint32
		Length uint32
		Data   uint64
	}
)

var (
	// DRM_IOW(0x0d, struct drm_set_client_cap)
	ioctlSetClientCap = ioctl.NewCode(ioctl.Write,
		uint16(unsafe.Sizeof(sysSetClientCap{})), drm.IOCTLBase, 0x0D)

	// DRM_IOWR(0xb5, struct drm_mode_get_plane_res)
	ioctlModeGetPlaneRes = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlaneRes{})), drm.IOCTLBase, 0xB5)

	// DRM_IOWR(0xb9, struct drm_mode_obj_get_properties)
	ioctlModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), drm.IOCTLBase, 0xB9)

	// DRM_IOWR(0xaa, struct drm_mode_get_property)
	ioctlModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), drm.IOCTLBase, 0xAA)

	// DRM_IOWR(0xac, struct drm_mode_get_blob)
	ioctlModeGetPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetBlob{})), drm.IOCTLBase, 0xAC)
)

// queryScanoutFormats walks every plane, reads its IN_FORMATS property blob,
// and collects the formats whose advertised modifier set includes linear. An
// empty result leaves admission to checkFormat's static list; dumb buffers
// stay linear either way.
func (b *Backend) queryScanoutFormats() (map[hbm.Format]bool, error) {
	clientCap := sysSetClientCap{Capability: clientCapUniversalPlanes, Value: 1}
	// Best effort: without universal planes the kernel still lists the
	// overlay planes, which is enough for format discovery.
	_ = ioctl.Do(uintptr(b.fd), uintptr(ioctlSetClientCap), uintptr(unsafe.Pointer(&clientCap)))

	res := sysGetPlaneRes{}
	err := ioctl.Do(uintptr(b.fd), uintptr(ioctlModeGetPlaneRes), uintptr(unsafe.Pointer(&res)))
	if err != nil {
		return nil, cerrors.Wrap(err, "counting planes")
	}
	if res.CountPlanes == 0 {
		return nil, nil
	}

	planes := make([]uint32, res.CountPlanes)
	res.PlaneIDPtr = uint64(uintptr(unsafe.Pointer(&planes[0])))
	err = ioctl.Do(uintptr(b.fd), uintptr(ioctlModeGetPlaneRes), uintptr(unsafe.Pointer(&res)))
	if err != nil {
		return nil, cerrors.Wrap(err, "listing planes")
	}
	if int(res.CountPlanes) < len(planes) {
		planes = planes[:res.CountPlanes]
	}

	scanout := make(map[hbm.Format]bool)
	for _, planeID := range planes {
		blob, err := b.planeInFormats(planeID)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			continue
		}

		modifiers, err := parseInFormats(blob)
		if err != nil {
			return nil, cerrors.Wrapf(err, "plane %d", planeID)
		}
		for format, mods := range modifiers {
			for _, modifier := range mods {
				if modifier == hbm.ModifierLinear {
					scanout[format] = true
					break
				}
			}
		}
	}
	return scanout, nil
}

// planeInFormats returns the plane's IN_FORMATS blob, or nil when the plane
// does not expose one.
func (b *Backend) planeInFormats(planeID uint32) ([]byte, error) {
	props := sysObjGetProperties{ObjID: planeID, ObjType: objectPlane}
	err := ioctl.Do(uintptr(b.fd), uintptr(ioctlModeObjGetProperties), uintptr(unsafe.Pointer(&props)))
	if err != nil {
		return nil, cerrors.Wrapf(err, "counting plane %d properties", planeID)
	}
	if props.CountProps == 0 {
		return nil, nil
	}

	ids := make([]uint32, props.CountProps)
	values := make([]uint64, props.CountProps)
	props.PropsPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
	props.PropValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))
	err = ioctl.Do(uintptr(b.fd), uintptr(ioctlModeObjGetProperties), uintptr(unsafe.Pointer(&props)))
	if err != nil {
		return nil, cerrors.Wrapf(err, "listing plane %d properties", planeID)
	}

	count := len(ids)
	if int(props.CountProps) < count {
		count = int(props.CountProps)
	}
	for i := 0; i < count; i++ {
		prop := sysGetProperty{PropID: ids[i]}
		err := ioctl.Do(uintptr(b.fd), uintptr(ioctlModeGetProperty), uintptr(unsafe.Pointer(&prop)))
		if err != nil {
			return nil, cerrors.Wrapf(err, "querying property %d", ids[i])
		}
		if propName(prop.Name) != inFormatsProperty {
			continue
		}
		return b.readBlob(uint32(values[i]))
	}
	return nil, nil
}

func propName(name [propNameLen]byte) string {
	for i, c := range name {
		if c == 0 {
			return string(name[:i])
		}
	}
	return string(name[:])
}

func (b *Backend) readBlob(blobID uint32) ([]byte, error) {
	blob := sysGetBlob{BlobID: blobID}
	err := ioctl.Do(uintptr(b.fd), uintptr(ioctlModeGetPropBlob), uintptr(unsafe.Pointer(&blob)))
	if err != nil {
		return nil, cerrors.Wrapf(err, "sizing blob %d", blobID)
	}
	if blob.Length == 0 {
		return nil, nil
	}

	data := make([]byte, blob.Length)
	blob.Data = uint64(uintptr(unsafe.Pointer(&data[0])))
	err = ioctl.Do(uintptr(b.fd), uintptr(ioctlModeGetPropBlob), uintptr(unsafe.Pointer(&blob)))
	if err != nil {
		return nil, cerrors.Wrapf(err, "reading blob %d", blobID)
	}
	return data, nil
}

// parseInFormats decodes a drm_format_modifier_blob: a header, a fourcc
// array, and a modifier array whose entries carry a format bitmask over a
// window of the fourcc array starting at the entry's offset field.
func parseInFormats(data []byte) (map[hbm.Format][]hbm.Modifier, error) {
	if len(data) < formatBlobHeaderSize {
		return nil, cerrors.Newf("format blob truncated at %d bytes", len(data))
	}

	le := binary.LittleEndian
	if version := le.Uint32(data[0:]); version != formatBlobVersion {
		return nil, cerrors.Newf("unknown format blob version %d", version)
	}
	countFormats := int(le.Uint32(data[8:]))
	formatsOffset := int(le.Uint32(data[12:]))
	countModifiers := int(le.Uint32(data[16:]))
	modifiersOffset := int(le.Uint32(data[20:]))

	if formatsOffset+4*countFormats > len(data) ||
		modifiersOffset+formatModifierSize*countModifiers > len(data) {
		return nil, cerrors.Newf("format blob arrays exceed its %d bytes", len(data))
	}

	formats := make([]hbm.Format, countFormats)
	for i := range formats {
		formats[i] = hbm.Format(le.Uint32(data[formatsOffset+4*i:]))
	}

	out := make(map[hbm.Format][]hbm.Modifier, countFormats)
	for j := 0; j < countModifiers; j++ {
		entry := data[modifiersOffset+formatModifierSize*j:]
		mask := le.Uint64(entry[0:])
		offset := int(le.Uint32(entry[8:]))
		modifier := hbm.Modifier(le.Uint64(entry[16:]))

		for i := 0; i < 64; i++ {
			if mask&(1<<i) == 0 {
				continue
			}
			index := offset + i
			if index >= countFormats {
				break
			}
			out[formats[index]] = append(out[formats[index]], modifier)
		}
	}
	return out, nil
}
