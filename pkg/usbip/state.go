package usbip

// recvState is the USB/IP client's receive state machine:
// {None, Hdr, ExportedDevice, DeviceInterface}.
type recvState int

const (
	stateNone recvState = iota
	stateHdr
	stateExportedDevice
	stateDeviceInterface
)

// decoder accumulates bytes into a fixed scratch buffer sized for the
// current state, advancing to the next state whenever the expected size
// is reached. It has no socket of its own: Client.run feeds it bytes
// read off the wire.
type decoder struct {
	host string
	port int

	state   recvState
	scratch []byte
	filled  int

	devicesLeft    int
	interfacesLeft int

	building []Device
}

func newDecoder(host string, port int) *decoder {
	d := &decoder{host: host, port: port}
	d.reset()
	return d
}

// reset returns the decoder to the idle state.
func (d *decoder) reset() {
	d.state = stateNone
	d.scratch = nil
	d.filled = 0
	d.devicesLeft = 0
	d.interfacesLeft = 0
	d.building = nil
}

// startRequest arms the decoder to receive one RET_DEVLIST reply.
func (d *decoder) startRequest() {
	d.building = nil
	d.advance(stateHdr)
}

func (d *decoder) advance(state recvState) {
	d.state = state
	d.filled = 0
	switch state {
	case stateNone:
		d.scratch = nil
	case stateHdr:
		d.scratch = make([]byte, retDevListHdrSize)
	case stateExportedDevice:
		d.scratch = make([]byte, exportedDeviceSize)
	case stateDeviceInterface:
		d.scratch = make([]byte, 4)
	}
}

// feed consumes as much of data as fits the current state's remaining
// scratch space, processing and transitioning states each time a record
// completes, continuing until data is exhausted. ready reports that a
// full device list just completed (transition back to None); devices is
// only populated when ready is true.
func (d *decoder) feed(data []byte) (ready bool, devices []Device, err error) {
	for len(data) > 0 {
		if d.state == stateNone {
			return false, nil, nil
		}

		n := copy(d.scratch[d.filled:], data)
		d.filled += n
		data = data[n:]

		if d.filled < len(d.scratch) {
			continue
		}

		if err := d.process(); err != nil {
			d.reset()
			return false, nil, err
		}
		if d.state == stateNone {
			return true, cloneDevices(d.building), nil
		}
	}
	return false, nil, nil
}

func (d *decoder) process() error {
	switch d.state {
	case stateHdr:
		hdr := unmarshalRetDevListHdr(d.scratch)
		if err := hdr.validate(); err != nil {
			return err
		}
		d.devicesLeft = int(hdr.NumDevices)
		if d.devicesLeft > 0 {
			d.advance(stateExportedDevice)
		} else {
			d.advance(stateNone)
		}

	case stateExportedDevice:
		wd := unmarshalExportedDevice(d.scratch)
		d.building = append(d.building, newDevice(d.host, d.port, wd))
		d.interfacesLeft = int(wd.NumInterfaces)
		if d.interfacesLeft > 0 {
			d.advance(stateDeviceInterface)
		} else {
			d.finishDevice()
		}

	case stateDeviceInterface:
		wi := unmarshalDeviceInterface(d.scratch)
		cur := &d.building[len(d.building)-1]
		cur.Interfaces = append(cur.Interfaces, Interface{
			Class:    wi.InterfaceClass,
			SubClass: wi.InterfaceSubClass,
			Protocol: wi.InterfaceProtocol,
		})
		d.interfacesLeft--
		if d.interfacesLeft > 0 {
			d.advance(stateDeviceInterface)
		} else {
			d.finishDevice()
		}
	}
	return nil
}

// finishDevice moves on to the next exported device, or back to None
// once the last device's last interface has been consumed.
func (d *decoder) finishDevice() {
	d.devicesLeft--
	if d.devicesLeft > 0 {
		d.advance(stateExportedDevice)
	} else {
		d.advance(stateNone)
	}
}
