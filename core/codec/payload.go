package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/goToMain/osdp-go/core"
)

// EncodeCommand serializes a command's payload (the bytes following the
// command code in the packet data field).
func EncodeCommand(cmd core.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case core.Poll, core.LocalStatusRequest, core.InputStatusRequest,
		core.OutputStatusRequest, core.ReaderStatusRequest, core.AbortRequest:
		return nil, nil
	case core.IDRequest, core.CapRequest:
		return []byte{0x00}, nil
	case core.OutputControl:
		p := make([]byte, 4)
		p[0] = c.OutputNo
		p[1] = c.ControlCode
		binary.LittleEndian.PutUint16(p[2:], c.Timer)
		return p, nil
	case core.LEDControl:
		p := make([]byte, 14)
		p[0] = c.ReaderNo
		p[1] = c.LEDNo
		p[2] = c.TempControl
		p[3] = c.TempOnTime
		p[4] = c.TempOffTime
		p[5] = c.TempOnColor
		p[6] = c.TempOffColor
		binary.LittleEndian.PutUint16(p[7:], c.TempTimer)
		p[9] = c.PermControl
		p[10] = c.PermOnTime
		p[11] = c.PermOffTime
		p[12] = c.PermOnColor
		p[13] = c.PermOffColor
		return p, nil
	case core.BuzzerControl:
		return []byte{c.ReaderNo, c.ToneCode, c.OnTime, c.OffTime, c.RepCount}, nil
	case core.TextOutput:
		if len(c.Text) > 255 {
			return nil, fmt.Errorf("text too long: %d bytes", len(c.Text))
		}
		p := make([]byte, 6, 6+len(c.Text))
		p[0] = c.ReaderNo
		p[1] = c.ControlCode
		p[2] = c.TempTime
		p[3] = c.Row
		p[4] = c.Col
		p[5] = byte(len(c.Text))
		return append(p, c.Text...), nil
	case core.ComSet:
		p := make([]byte, 5)
		p[0] = c.Address
		binary.LittleEndian.PutUint32(p[1:], c.BaudRate)
		return p, nil
	case core.KeySet:
		if len(c.Key) != core.KeySize {
			return nil, core.ErrInvalidKey
		}
		p := make([]byte, 2, 2+core.KeySize)
		p[0] = c.KeyType
		p[1] = core.KeySize
		return append(p, c.Key...), nil
	case core.AcuRxSize:
		p := make([]byte, 2)
		binary.LittleEndian.PutUint16(p, c.Size)
		return p, nil
	case core.Mfg:
		p := make([]byte, 3, 3+len(c.Data))
		p[0] = byte(c.VendorCode)
		p[1] = byte(c.VendorCode >> 8)
		p[2] = byte(c.VendorCode >> 16)
		return append(p, c.Data...), nil
	case core.FileTransfer:
		p := make([]byte, 11, 11+len(c.Fragment))
		p[0] = c.Type
		binary.LittleEndian.PutUint32(p[1:], c.Size)
		binary.LittleEndian.PutUint32(p[5:], c.Offset)
		binary.LittleEndian.PutUint16(p[9:], uint16(len(c.Fragment)))
		return append(p, c.Fragment...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCode, cmd)
	}
}

// DecodeCommand parses a command payload into its typed variant.
func DecodeCommand(code uint8, p []byte) (core.Command, error) {
	switch code {
	case core.CmdPoll:
		return core.Poll{}, nil
	case core.CmdID:
		return core.IDRequest{}, nil
	case core.CmdCap:
		return core.CapRequest{}, nil
	case core.CmdLStat:
		return core.LocalStatusRequest{}, nil
	case core.CmdIStat:
		return core.InputStatusRequest{}, nil
	case core.CmdOStat:
		return core.OutputStatusRequest{}, nil
	case core.CmdRStat:
		return core.ReaderStatusRequest{}, nil
	case core.CmdAbort:
		return core.AbortRequest{}, nil
	case core.CmdOut:
		if len(p) < 4 {
			return nil, ErrPayloadTooShort
		}
		return core.OutputControl{
			OutputNo:    p[0],
			ControlCode: p[1],
			Timer:       binary.LittleEndian.Uint16(p[2:]),
		}, nil
	case core.CmdLED:
		if len(p) < 14 {
			return nil, ErrPayloadTooShort
		}
		return core.LEDControl{
			ReaderNo:     p[0],
			LEDNo:        p[1],
			TempControl:  p[2],
			TempOnTime:   p[3],
			TempOffTime:  p[4],
			TempOnColor:  p[5],
			TempOffColor: p[6],
			TempTimer:    binary.LittleEndian.Uint16(p[7:]),
			PermControl:  p[9],
			PermOnTime:   p[10],
			PermOffTime:  p[11],
			PermOnColor:  p[12],
			PermOffColor: p[13],
		}, nil
	case core.CmdBuz:
		if len(p) < 5 {
			return nil, ErrPayloadTooShort
		}
		return core.BuzzerControl{
			ReaderNo: p[0], ToneCode: p[1], OnTime: p[2], OffTime: p[3], RepCount: p[4],
		}, nil
	case core.CmdText:
		if len(p) < 6 || len(p) < 6+int(p[5]) {
			return nil, ErrPayloadTooShort
		}
		return core.TextOutput{
			ReaderNo:    p[0],
			ControlCode: p[1],
			TempTime:    p[2],
			Row:         p[3],
			Col:         p[4],
			Text:        string(p[6 : 6+int(p[5])]),
		}, nil
	case core.CmdComSet:
		if len(p) < 5 {
			return nil, ErrPayloadTooShort
		}
		return core.ComSet{
			Address:  p[0],
			BaudRate: binary.LittleEndian.Uint32(p[1:]),
		}, nil
	case core.CmdKeySet:
		if len(p) < 2 || len(p) < 2+int(p[1]) || int(p[1]) != core.KeySize {
			return nil, ErrPayloadTooShort
		}
		key := make([]byte, core.KeySize)
		copy(key, p[2:2+core.KeySize])
		return core.KeySet{KeyType: p[0], Key: key}, nil
	case core.CmdAcuRxSize:
		if len(p) < 2 {
			return nil, ErrPayloadTooShort
		}
		return core.AcuRxSize{Size: binary.LittleEndian.Uint16(p)}, nil
	case core.CmdMfg:
		if len(p) < 3 {
			return nil, ErrPayloadTooShort
		}
		return core.Mfg{
			VendorCode: uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16,
			Data:       append([]byte(nil), p[3:]...),
		}, nil
	case core.CmdFileTransfer:
		if len(p) < 11 {
			return nil, ErrPayloadTooShort
		}
		fragLen := int(binary.LittleEndian.Uint16(p[9:]))
		if len(p) < 11+fragLen {
			return nil, ErrPayloadTooShort
		}
		return core.FileTransfer{
			Type:     p[0],
			Size:     binary.LittleEndian.Uint32(p[1:]),
			Offset:   binary.LittleEndian.Uint32(p[5:]),
			Fragment: append([]byte(nil), p[11:11+fragLen]...),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %02x", ErrUnknownCode, code)
	}
}

// EncodeReply serializes a reply's payload.
func EncodeReply(r core.Reply) ([]byte, error) {
	switch v := r.(type) {
	case core.Ack, core.Busy:
		return nil, nil
	case core.Nak:
		return []byte{byte(v.Reason)}, nil
	case core.IDReport:
		p := make([]byte, 12)
		p[0] = byte(v.ID.VendorCode)
		p[1] = byte(v.ID.VendorCode >> 8)
		p[2] = byte(v.ID.VendorCode >> 16)
		p[3] = byte(v.ID.Model)
		p[4] = byte(v.ID.Version)
		binary.LittleEndian.PutUint32(p[5:], v.ID.SerialNumber)
		p[9] = byte(v.ID.FirmwareVersion >> 16)
		p[10] = byte(v.ID.FirmwareVersion >> 8)
		p[11] = byte(v.ID.FirmwareVersion)
		return p, nil
	case core.CapReport:
		p := make([]byte, 0, 3*len(v.Capabilities))
		for _, c := range v.Capabilities {
			p = append(p, byte(c.Function), c.Compliance, c.NumItems)
		}
		return p, nil
	case core.LocalStatus:
		return []byte{boolByte(v.Tamper), boolByte(v.Power)}, nil
	case core.InputStatus:
		return boolBytes(v.Inputs), nil
	case core.OutputStatus:
		return boolBytes(v.Outputs), nil
	case core.ReaderStatus:
		return []byte{v.Status}, nil
	case core.CardRaw:
		need := (int(v.BitCount) + 7) / 8
		if len(v.Data) < need {
			return nil, fmt.Errorf("card data shorter than bit count: %d < %d bits", len(v.Data)*8, v.BitCount)
		}
		p := make([]byte, 4, 4+need)
		p[0] = v.ReaderNo
		p[1] = v.Format
		binary.LittleEndian.PutUint16(p[2:], v.BitCount)
		return append(p, v.Data[:need]...), nil
	case core.CardFmt:
		if len(v.Data) > 255 {
			return nil, fmt.Errorf("card data too long: %d bytes", len(v.Data))
		}
		p := make([]byte, 3, 3+len(v.Data))
		p[0] = v.ReaderNo
		p[1] = v.Direction
		p[2] = byte(len(v.Data))
		return append(p, v.Data...), nil
	case core.KeypadData:
		if len(v.Keys) > 255 {
			return nil, fmt.Errorf("keypad data too long: %d bytes", len(v.Keys))
		}
		p := make([]byte, 2, 2+len(v.Keys))
		p[0] = v.ReaderNo
		p[1] = byte(len(v.Keys))
		return append(p, v.Keys...), nil
	case core.ComReport:
		p := make([]byte, 5)
		p[0] = v.Address
		binary.LittleEndian.PutUint32(p[1:], v.BaudRate)
		return p, nil
	case core.FtStat:
		p := make([]byte, 7)
		p[0] = v.Control
		binary.LittleEndian.PutUint16(p[1:], v.Delay)
		binary.LittleEndian.PutUint16(p[3:], uint16(v.Status))
		binary.LittleEndian.PutUint16(p[5:], v.RxSize)
		return p, nil
	case core.MfgReply:
		p := make([]byte, 3, 3+len(v.Data))
		p[0] = byte(v.VendorCode)
		p[1] = byte(v.VendorCode >> 8)
		p[2] = byte(v.VendorCode >> 16)
		return append(p, v.Data...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCode, r)
	}
}

// DecodeReply parses a reply payload into its typed variant.
func DecodeReply(code uint8, p []byte) (core.Reply, error) {
	switch code {
	case core.ReplyAck:
		return core.Ack{}, nil
	case core.ReplyBusy:
		return core.Busy{}, nil
	case core.ReplyNak:
		if len(p) < 1 {
			return nil, ErrPayloadTooShort
		}
		return core.Nak{Reason: core.NakCode(p[0])}, nil
	case core.ReplyPdId:
		if len(p) < 12 {
			return nil, ErrPayloadTooShort
		}
		return core.IDReport{ID: core.PdId{
			VendorCode:      uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16,
			Model:           int(p[3]),
			Version:         int(p[4]),
			SerialNumber:    binary.LittleEndian.Uint32(p[5:]),
			FirmwareVersion: uint32(p[9])<<16 | uint32(p[10])<<8 | uint32(p[11]),
		}}, nil
	case core.ReplyPdCap:
		if len(p)%3 != 0 {
			return nil, fmt.Errorf("capability report not a multiple of 3: %d bytes", len(p))
		}
		caps := make([]core.Capability, 0, len(p)/3)
		for i := 0; i+3 <= len(p); i += 3 {
			caps = append(caps, core.Capability{
				Function:   core.CapFunc(p[i]),
				Compliance: p[i+1],
				NumItems:   p[i+2],
			})
		}
		return core.CapReport{Capabilities: caps}, nil
	case core.ReplyLStat:
		if len(p) < 2 {
			return nil, ErrPayloadTooShort
		}
		return core.LocalStatus{Tamper: p[0] != 0, Power: p[1] != 0}, nil
	case core.ReplyIStat:
		return core.InputStatus{Inputs: bytesBools(p)}, nil
	case core.ReplyOStat:
		return core.OutputStatus{Outputs: bytesBools(p)}, nil
	case core.ReplyRStat:
		if len(p) < 1 {
			return nil, ErrPayloadTooShort
		}
		return core.ReaderStatus{Status: p[0]}, nil
	case core.ReplyRaw:
		if len(p) < 4 {
			return nil, ErrPayloadTooShort
		}
		bits := binary.LittleEndian.Uint16(p[2:])
		need := (int(bits) + 7) / 8
		if len(p) < 4+need {
			return nil, ErrPayloadTooShort
		}
		return core.CardRaw{
			ReaderNo: p[0],
			Format:   p[1],
			BitCount: bits,
			Data:     append([]byte(nil), p[4:4+need]...),
		}, nil
	case core.ReplyFmt:
		if len(p) < 3 || len(p) < 3+int(p[2]) {
			return nil, ErrPayloadTooShort
		}
		return core.CardFmt{
			ReaderNo:  p[0],
			Direction: p[1],
			Data:      append([]byte(nil), p[3:3+int(p[2])]...),
		}, nil
	case core.ReplyKeypad:
		if len(p) < 2 || len(p) < 2+int(p[1]) {
			return nil, ErrPayloadTooShort
		}
		return core.KeypadData{
			ReaderNo: p[0],
			Keys:     append([]byte(nil), p[2:2+int(p[1])]...),
		}, nil
	case core.ReplyCom:
		if len(p) < 5 {
			return nil, ErrPayloadTooShort
		}
		return core.ComReport{
			Address:  p[0],
			BaudRate: binary.LittleEndian.Uint32(p[1:]),
		}, nil
	case core.ReplyFtStat:
		if len(p) < 7 {
			return nil, ErrPayloadTooShort
		}
		return core.FtStat{
			Control: p[0],
			Delay:   binary.LittleEndian.Uint16(p[1:]),
			Status:  int16(binary.LittleEndian.Uint16(p[3:])),
			RxSize:  binary.LittleEndian.Uint16(p[5:]),
		}, nil
	case core.ReplyMfgRep:
		if len(p) < 3 {
			return nil, ErrPayloadTooShort
		}
		return core.MfgReply{
			VendorCode: uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16,
			Data:       append([]byte(nil), p[3:]...),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %02x", ErrUnknownCode, code)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func boolBytes(bits []bool) []byte {
	p := make([]byte, len(bits))
	for i, b := range bits {
		p[i] = boolByte(b)
	}
	return p
}

func bytesBools(p []byte) []bool {
	bits := make([]bool, len(p))
	for i, b := range p {
		bits[i] = b != 0
	}
	return bits
}
