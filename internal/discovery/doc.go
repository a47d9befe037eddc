// Package discovery announces and finds corsacOTA servers over mDNS.
//
// A server registers itself as a "_corsacota._tcp" service with TXT
// entries describing the websocket path and the device type it accepts
// images for. The push and scan commands browse for the same service type
// to locate targets without a known address.
//
// # Usage Example
//
//	adv, err := discovery.Advertise(discovery.AdvertiseConfig{
//	    Instance:   "gateway",
//	    Port:       3241,
//	    DeviceType: "esp32",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer adv.Shutdown()
//
//	devices, err := discovery.NewScanner().Scan(ctx)
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Devices must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
