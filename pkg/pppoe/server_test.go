package pppoe_test

import (
	"context"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pppoe-ac/pkg/pppoe"
)

var _ = Describe("PPPoE Server", func() {
	var (
		server    *pppoe.Server
		cfg       pppoe.ServerConfig
		logger    *zap.Logger
		transport *fakeTransport
		clock     *fakeClock
		handler   *recordingHandler
	)

	newServer := func(opts ...pppoe.Option) *pppoe.Server {
		all := append([]pppoe.Option{
			pppoe.WithTransport(transport),
			pppoe.WithClock(clock.Now),
			pppoe.WithSessionHandler(handler),
		}, opts...)
		s, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", serverMAC), all...)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	sendPADI := func(src net.HardwareAddr, tags ...pppoe.Tag) {
		server.HandleFrame(frame(src, bcastMAC, pppoe.CodePADI, 0, tags...))
	}

	sendPADR := func(src net.HardwareAddr, tags ...pppoe.Tag) {
		server.HandleFrame(frame(src, serverMAC, pppoe.CodePADR, 0, tags...))
	}

	cookieOf := func(p *pppoe.Packet) pppoe.Tag {
		Expect(p).NotTo(BeNil())
		c := pppoe.FindTag(p.Tags, pppoe.TagACCookie)
		Expect(c).NotTo(BeNil())
		return *c
	}

	// establish runs PADI/PADO/PADR/PADS for src and returns the PADS.
	establish := func(src net.HardwareAddr, hostUniq string) *pppoe.Packet {
		sendPADI(src, tag(pppoe.TagServiceName, ""), tag(pppoe.TagHostUniq, hostUniq))
		cookie := cookieOf(transport.Last())
		sendPADR(src, tag(pppoe.TagServiceName, "internet"), tag(pppoe.TagHostUniq, hostUniq), cookie)
		pads := transport.Last()
		Expect(pads.Code).To(Equal(uint8(pppoe.CodePADS)))
		return pads
	}

	BeforeEach(func() {
		logger, _ = zap.NewDevelopment()
		transport = newFakeTransport()
		clock = newFakeClock()
		handler = &recordingHandler{}
		cfg = pppoe.ServerConfig{
			Interface:    "eth0",
			ACName:       "Test-AC",
			ServiceNames: []string{"internet"},
		}
	})

	Describe("Server Creation", func() {
		It("should create a server with valid config", func() {
			server = newServer()
			Expect(server.Interface()).To(Equal("eth0"))
			Expect(server.HardwareAddr()).To(Equal(serverMAC))
		})

		It("should fail without interface name", func() {
			cfg.Interface = ""
			_, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", serverMAC))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("interface required"))
		})

		It("should fail with nil interface", func() {
			_, err := pppoe.NewServerWithInterface(cfg, logger, nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("interface cannot be nil"))
		})

		It("should fail on an interface without an Ethernet address", func() {
			_, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", nil))
			Expect(err).To(HaveOccurred())
		})

		It("should reject a bad PADO delay expression", func() {
			cfg.PADODelay = "100:5"
			_, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", serverMAC))
			Expect(errors.Is(err, pppoe.ErrInvalidPADODelay)).To(BeTrue())
		})

		It("should reject more than eight service names", func() {
			cfg.ServiceNames = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
			_, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", serverMAC))
			Expect(errors.Is(err, pppoe.ErrTooManyServiceNames)).To(BeTrue())
		})

		It("should reject a secret of the wrong size", func() {
			cfg.Secret = []byte("too short")
			_, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", serverMAC))
			Expect(err).To(HaveOccurred())
		})

		It("should handle nil logger gracefully", func() {
			s, err := pppoe.NewServerWithInterface(cfg, nil, testInterface("eth0", serverMAC))
			Expect(err).NotTo(HaveOccurred())
			Expect(s).NotTo(BeNil())
		})
	})

	Describe("Discovery", func() {
		clientA := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0x03}

		BeforeEach(func() {
			server = newServer()
		})

		It("should complete PADI, PADO, PADR, PADS and PADT", func() {
			hostUniq := pppoe.Tag{Type: pppoe.TagHostUniq, Value: []byte{0x12, 0x34}}

			sendPADI(clientA, tag(pppoe.TagServiceName, ""), hostUniq)
			Expect(transport.Count()).To(Equal(1))
			sent := transport.Sent()[0]
			Expect(sent.dst).To(Equal(clientA))

			pado := sent.pkt
			Expect(pado.Code).To(Equal(uint8(pppoe.CodePADO)))
			Expect(pado.SrcMAC).To(Equal(serverMAC))
			Expect(pado.DstMAC).To(Equal(clientA))
			Expect(pado.SessionID).To(BeZero())
			Expect(string(pppoe.FindTag(pado.Tags, pppoe.TagACName).Value)).To(Equal("Test-AC"))
			Expect(string(pppoe.FindTag(pado.Tags, pppoe.TagServiceName).Value)).To(Equal("internet"))
			Expect(pppoe.FindTag(pado.Tags, pppoe.TagHostUniq).Value).To(Equal([]byte{0x12, 0x34}))
			cookie := cookieOf(pado)
			Expect(cookie.Value).To(HaveLen(pppoe.CookieLength))

			sendPADR(clientA, tag(pppoe.TagServiceName, "internet"), hostUniq, cookie)
			pads := transport.Last()
			Expect(pads.Code).To(Equal(uint8(pppoe.CodePADS)))
			Expect(pads.SessionID).To(Equal(uint16(1)))
			Expect(pads.DstMAC).To(Equal(clientA))
			Expect(pppoe.FindTag(pads.Tags, pppoe.TagHostUniq).Value).To(Equal([]byte{0x12, 0x34}))
			Expect(string(pppoe.FindTag(pads.Tags, pppoe.TagServiceName).Value)).To(Equal("internet"))

			Expect(handler.Ups()).To(HaveLen(1))
			up := handler.Ups()[0]
			Expect(up.SessionID).To(Equal(uint16(1)))
			Expect(up.PeerMAC).To(Equal(clientA))
			Expect(up.LocalMAC).To(Equal(serverMAC))
			Expect(up.Interface).To(Equal("eth0"))
			Expect(up.ServiceName).To(Equal("internet"))
			Expect(up.ConnectionID).NotTo(BeEmpty())

			sessions := server.Sessions()
			Expect(sessions).To(HaveLen(1))
			Expect(sessions[0].State).To(Equal(pppoe.StateSession))
			Expect(server.GetSessionCount()).To(Equal(1))

			server.HandleFrame(frame(clientA, serverMAC, pppoe.CodePADT, 1))
			Expect(server.GetSessionCount()).To(BeZero())
			Expect(handler.Downs()).To(HaveLen(1))
			Expect(handler.Downs()[0].Cause).To(Equal(pppoe.TerminateCauseUserRequest))
			Expect(handler.Downs()[0].ConnectionID).To(Equal(up.ConnectionID))

			stats := server.GetStats()
			Expect(stats["padi_received"]).To(Equal(uint64(1)))
			Expect(stats["pado_sent"]).To(Equal(uint64(1)))
			Expect(stats["padr_received"]).To(Equal(uint64(1)))
			Expect(stats["pads_sent"]).To(Equal(uint64(1)))
			Expect(stats["padt_received"]).To(Equal(uint64(1)))
			Expect(stats["sessions_active"]).To(BeZero())
			Expect(stats["offers_pending"]).To(BeZero())
		})

		It("should make a freed session ID allocatable again", func() {
			pads := establish(clientMAC, "a")
			sid := pads.SessionID
			server.HandleFrame(frame(clientMAC, serverMAC, pppoe.CodePADT, sid))

			Expect(server.Sessions()).To(BeEmpty())
			Expect(server.Terminate(sid, pppoe.TerminateCauseAdminReset)).To(MatchError(pppoe.ErrSessionNotFound))

			next := establish(clientMAC, "b")
			Expect(next.SessionID).NotTo(BeZero())
		})

		It("should hand out distinct session IDs", func() {
			a := establish(clientMAC, "a")
			b := establish(otherMAC, "b")
			Expect(a.SessionID).NotTo(Equal(b.SessionID))
			Expect(server.GetSessionCount()).To(Equal(2))
		})

		It("should echo Relay-Session-Id and the TR-101 tag", func() {
			tr101, err := pppoe.BuildTR101(
				pppoe.TR101Option{Type: pppoe.TR101AgentCircuitID, Value: []byte("olt1/1/1")},
				pppoe.TR101Option{Type: pppoe.TR101AgentRemoteID, Value: []byte("sub-42")},
			)
			Expect(err).NotTo(HaveOccurred())
			relay := tag(pppoe.TagRelaySessionID, "relay-1")
			vendor := pppoe.Tag{Type: pppoe.TagVendorSpecific, Value: tr101}

			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""), relay, vendor)
			pado := transport.Last()
			Expect(string(pppoe.FindTag(pado.Tags, pppoe.TagRelaySessionID).Value)).To(Equal("relay-1"))
			Expect(pppoe.FindVendorTag(pado.Tags, pppoe.VendorADSLForum).Value).To(Equal(tr101))

			sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), relay, vendor, cookieOf(pado))
			pads := transport.Last()
			Expect(string(pppoe.FindTag(pads.Tags, pppoe.TagRelaySessionID).Value)).To(Equal("relay-1"))

			up := handler.Ups()[0]
			Expect(string(up.RelaySessionID)).To(Equal("relay-1"))
			Expect(up.TR101).NotTo(BeNil())
			Expect(up.TR101.CircuitID).To(Equal("olt1/1/1"))
			Expect(up.TR101.RemoteID).To(Equal("sub-42"))

			Expect(server.Terminate(pads.SessionID, pppoe.TerminateCauseAdminReset)).To(Succeed())
			padt := transport.Last()
			Expect(padt.Code).To(Equal(uint8(pppoe.CodePADT)))
			Expect(string(pppoe.FindTag(padt.Tags, pppoe.TagRelaySessionID).Value)).To(Equal("relay-1"))
		})

		It("should re-send the same offer for a retransmitted PADI", func() {
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""), tag(pppoe.TagHostUniq, "x"))
			first := cookieOf(transport.Last())
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""), tag(pppoe.TagHostUniq, "x"))
			second := cookieOf(transport.Last())

			Expect(second.Value).To(Equal(first.Value))
			Expect(server.GetStats()["offers_pending"]).To(Equal(uint64(1)))
			Expect(server.GetStats()["pado_sent"]).To(Equal(uint64(2)))
		})

		It("should offer every configured name unless matching exactly", func() {
			Expect(server.ServiceNames().Add("voip")).To(Succeed())
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))

			var names []string
			for _, t := range transport.Last().Tags {
				if t.Type == pppoe.TagServiceName {
					names = append(names, string(t.Value))
				}
			}
			Expect(names).To(Equal([]string{"internet", "voip"}))
		})

		It("should resend the PADS for a duplicate PADR", func() {
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			cookie := cookieOf(transport.Last())
			sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), cookie)
			first := transport.Last()

			sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), cookie)
			second := transport.Last()

			Expect(second.Code).To(Equal(uint8(pppoe.CodePADS)))
			Expect(second.SessionID).To(Equal(first.SessionID))
			Expect(server.GetSessionCount()).To(Equal(1))
			Expect(handler.Ups()).To(HaveLen(1))
			Expect(server.GetStats()["padr_dup_received"]).To(Equal(uint64(1)))
		})

		It("should accept a PADR with a valid cookie after the offer expired", func() {
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			cookie := cookieOf(transport.Last())

			server.Sweep(clock.Advance(31 * time.Second))
			Expect(server.GetStats()["offers_pending"]).To(BeZero())

			sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), cookie)
			Expect(transport.Last().SessionID).NotTo(BeZero())
			Expect(server.GetSessionCount()).To(Equal(1))
		})

		Context("when the PADR is invalid", func() {
			It("should silently drop a PADR without a valid cookie", func() {
				sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), tag(pppoe.TagACCookie, "not-a-cookie"))
				sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"))

				Expect(transport.Count()).To(BeZero())
				Expect(server.GetStats()["cookie_mismatch"]).To(Equal(uint64(2)))
			})

			It("should drop a cookie presented by another peer", func() {
				sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
				cookie := cookieOf(transport.Last())

				sendPADR(otherMAC, tag(pppoe.TagServiceName, "internet"), cookie)
				Expect(transport.Count()).To(Equal(1))
				Expect(server.GetSessionCount()).To(BeZero())
				Expect(server.GetStats()["cookie_mismatch"]).To(Equal(uint64(1)))
			})

			It("should drop a PADR carrying a session ID", func() {
				sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
				cookie := cookieOf(transport.Last())

				server.HandleFrame(frame(clientMAC, serverMAC, pppoe.CodePADR, 5, tag(pppoe.TagServiceName, "internet"), cookie))
				Expect(transport.Count()).To(Equal(1))
				Expect(server.GetSessionCount()).To(BeZero())
				Expect(server.GetStats()["invalid_state"]).To(Equal(uint64(1)))

				sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), cookie)
				Expect(transport.Last().SessionID).NotTo(BeZero())
			})

			It("should ignore a broadcast PADR", func() {
				sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
				cookie := cookieOf(transport.Last())

				server.HandleFrame(frame(clientMAC, bcastMAC, pppoe.CodePADR, 0, tag(pppoe.TagServiceName, "internet"), cookie))
				Expect(transport.Count()).To(Equal(1))
				Expect(server.GetStats()["invalid_state"]).To(Equal(uint64(1)))
			})
		})

		It("should answer with a system error PADS when session IDs run out", func() {
			server.FillSessionTable()
			sessions := server.GetSessionCount()

			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""), tag(pppoe.TagHostUniq, "h"))
			cookie := cookieOf(transport.Last())
			sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), tag(pppoe.TagHostUniq, "h"), cookie)

			pads := transport.Last()
			Expect(pads.Code).To(Equal(uint8(pppoe.CodePADS)))
			Expect(pads.SessionID).To(BeZero())
			Expect(pppoe.FindTag(pads.Tags, pppoe.TagACSystemErr)).NotTo(BeNil())
			Expect(string(pppoe.FindTag(pads.Tags, pppoe.TagHostUniq).Value)).To(Equal("h"))

			stats := server.GetStats()
			Expect(stats["sid_exhausted"]).To(Equal(uint64(1)))
			Expect(stats["offers_pending"]).To(BeZero())
			Expect(stats["sessions_total"]).To(BeZero())
			Expect(server.GetSessionCount()).To(Equal(sessions))
			Expect(handler.Ups()).To(BeEmpty())
		})

		Context("when service names do not match", func() {
			BeforeEach(func() {
				cfg.ExactServiceName = true
				server = newServer()
			})

			It("should answer a PADR for an unknown service with a PADS error", func() {
				sendPADI(clientMAC, tag(pppoe.TagServiceName, "internet"))
				cookie := cookieOf(transport.Last())

				sendPADR(clientMAC, tag(pppoe.TagServiceName, "voice"), cookie)
				pads := transport.Last()
				Expect(pads.Code).To(Equal(uint8(pppoe.CodePADS)))
				Expect(pads.SessionID).To(BeZero())
				Expect(pppoe.FindTag(pads.Tags, pppoe.TagServiceNameErr)).NotTo(BeNil())
				Expect(string(pppoe.FindTag(pads.Tags, pppoe.TagServiceName).Value)).To(Equal("voice"))

				Expect(server.GetSessionCount()).To(BeZero())
				Expect(handler.Ups()).To(BeEmpty())
				Expect(server.GetStats()["service_name_rejects"]).To(Equal(uint64(1)))
				Expect(server.GetStats()["offers_pending"]).To(BeZero())
			})

			It("should answer a PADI for an unknown service with a PADO error", func() {
				sendPADI(clientMAC, tag(pppoe.TagServiceName, "voice"), tag(pppoe.TagHostUniq, "h"))
				pado := transport.Last()
				Expect(pado.Code).To(Equal(uint8(pppoe.CodePADO)))
				Expect(pppoe.FindTag(pado.Tags, pppoe.TagServiceNameErr)).NotTo(BeNil())
				Expect(pppoe.FindTag(pado.Tags, pppoe.TagACCookie)).To(BeNil())
				Expect(string(pppoe.FindTag(pado.Tags, pppoe.TagHostUniq).Value)).To(Equal("h"))
				Expect(server.GetStats()["offers_pending"]).To(BeZero())
			})

			It("should offer only the matched name", func() {
				Expect(server.ServiceNames().Add("voip")).To(Succeed())
				sendPADI(clientMAC, tag(pppoe.TagServiceName, "voip"))

				var names []string
				for _, t := range transport.Last().Tags {
					if t.Type == pppoe.TagServiceName {
						names = append(names, string(t.Value))
					}
				}
				Expect(names).To(Equal([]string{"voip"}))
			})
		})

		It("should require a service name when configured", func() {
			cfg.RequireServiceName = true
			server = newServer()

			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			Expect(pppoe.FindTag(transport.Last().Tags, pppoe.TagServiceNameErr)).NotTo(BeNil())

			sendPADI(clientMAC, tag(pppoe.TagServiceName, "internet"))
			cookie := cookieOf(transport.Last())
			sendPADR(clientMAC, cookie)
			pads := transport.Last()
			Expect(pads.SessionID).To(BeZero())
			Expect(pppoe.FindTag(pads.Tags, pppoe.TagServiceNameErr)).NotTo(BeNil())
		})

		Context("when a PADT arrives", func() {
			It("should ignore a PADT from the wrong peer", func() {
				pads := establish(clientMAC, "a")
				server.HandleFrame(frame(otherMAC, serverMAC, pppoe.CodePADT, pads.SessionID))

				Expect(server.GetSessionCount()).To(Equal(1))
				Expect(handler.Downs()).To(BeEmpty())
				Expect(server.GetStats()["invalid_state"]).To(Equal(uint64(1)))
			})

			It("should ignore a PADT for an unknown session", func() {
				server.HandleFrame(frame(clientMAC, serverMAC, pppoe.CodePADT, 99))
				Expect(server.GetStats()["invalid_state"]).To(Equal(uint64(1)))
				Expect(transport.Count()).To(BeZero())
			})
		})

		It("should count and drop malformed frames", func() {
			server.HandleFrame([]byte{0x01, 0x02})
			server.HandleFrame(rawFrame([]byte{0x11, 0x09, 0, 0, 0, 2, 1, 1}))
			Expect(server.GetStats()["malformed"]).To(Equal(uint64(2)))
			Expect(transport.Count()).To(BeZero())
		})

		It("should drop frames from group addresses and to other hosts", func() {
			multicast := net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
			sendPADI(multicast, tag(pppoe.TagServiceName, ""))
			server.HandleFrame(frame(clientMAC, otherMAC, pppoe.CodePADI, 0, tag(pppoe.TagServiceName, "")))

			Expect(transport.Count()).To(BeZero())
			Expect(server.GetStats()["padi_received"]).To(BeZero())
		})

		It("should not answer PADO or PADS sent by other concentrators", func() {
			server.HandleFrame(frame(otherMAC, bcastMAC, pppoe.CodePADO, 0))
			server.HandleFrame(frame(otherMAC, serverMAC, pppoe.CodePADS, 5))
			Expect(transport.Count()).To(BeZero())
			Expect(server.GetStats()["invalid_state"]).To(Equal(uint64(2)))
		})
	})

	Describe("MAC filter", func() {
		It("should not answer filtered peers", func() {
			server = newServer(pppoe.WithMACFilter(denyFilter{clientMAC.String(): true}))

			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			Expect(transport.Count()).To(BeZero())
			Expect(server.GetStats()["filtered"]).To(Equal(uint64(1)))

			sendPADI(otherMAC, tag(pppoe.TagServiceName, ""))
			Expect(transport.Count()).To(Equal(1))
		})
	})

	Describe("PADI flood guard", func() {
		BeforeEach(func() {
			cfg.PADILimit = 2
			cfg.PADIWindow = time.Second
			server = newServer()
		})

		It("should drop PADIs above the limit until the window rolls over", func() {
			macs := []net.HardwareAddr{
				{0x02, 0, 0, 0, 0, 1},
				{0x02, 0, 0, 0, 0, 2},
				{0x02, 0, 0, 0, 0, 3},
			}
			for _, m := range macs {
				sendPADI(m, tag(pppoe.TagServiceName, ""))
			}
			Expect(transport.Count()).To(Equal(2))
			Expect(server.GetStats()["padi_dropped"]).To(Equal(uint64(1)))

			clock.Advance(2 * time.Second)
			sendPADI(macs[2], tag(pppoe.TagServiceName, ""))
			Expect(transport.Count()).To(Equal(3))
		})

		It("should not count a retransmitted PADI against the limit", func() {
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			sendPADI(otherMAC, tag(pppoe.TagServiceName, ""))

			Expect(transport.Count()).To(Equal(4))
			Expect(server.GetStats()["padi_dropped"]).To(BeZero())
		})
	})

	Describe("Delayed PADO", func() {
		It("should hold the PADO until the tier delay has passed", func() {
			cfg.PADODelay = "0,100:1"
			server = newServer()
			establish(clientMAC, "a")
			before := transport.Count()

			t0 := clock.Now()
			sendPADI(otherMAC, tag(pppoe.TagServiceName, ""))
			Expect(transport.Count()).To(Equal(before))
			Expect(server.PendingPADOs()).To(Equal([]time.Time{t0.Add(100 * time.Millisecond)}))
			Expect(server.GetStats()["delayed_pado"]).To(Equal(uint64(1)))

			server.FirePending(clock.Advance(50 * time.Millisecond))
			Expect(transport.Count()).To(Equal(before))

			server.FirePending(clock.Advance(50 * time.Millisecond))
			Expect(transport.Count()).To(Equal(before + 1))
			Expect(transport.Last().Code).To(Equal(uint8(pppoe.CodePADO)))
			Expect(transport.Last().DstMAC).To(Equal(otherMAC))
			Expect(server.GetStats()["delayed_pado"]).To(BeZero())
		})

		It("should bring queued PADOs forward when the tier drops", func() {
			cfg.PADODelay = "0,500:1"
			server = newServer()
			pads := establish(clientMAC, "a")

			t0 := clock.Now()
			sendPADI(otherMAC, tag(pppoe.TagServiceName, ""))
			Expect(server.PendingPADOs()).To(Equal([]time.Time{t0.Add(500 * time.Millisecond)}))

			clock.Advance(100 * time.Millisecond)
			server.HandleFrame(frame(clientMAC, serverMAC, pppoe.CodePADT, pads.SessionID))
			Expect(server.PendingPADOs()).To(Equal([]time.Time{t0}))

			server.FirePending(clock.Now())
			Expect(transport.Last().DstMAC).To(Equal(otherMAC))
		})

		It("should never push a queued PADO back", func() {
			cfg.PADODelay = "100,1000:1"
			server = newServer()

			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			server.FirePending(clock.Advance(100 * time.Millisecond))
			cookie := cookieOf(transport.Last())

			t1 := clock.Now()
			sendPADI(otherMAC, tag(pppoe.TagServiceName, ""))
			sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), cookie)
			Expect(server.GetSessionCount()).To(Equal(1))

			Expect(server.PendingPADOs()).To(Equal([]time.Time{t1.Add(100 * time.Millisecond)}))
		})

		It("should not queue a second PADO for a retransmitted PADI", func() {
			cfg.PADODelay = "100"
			cfg.PADILimit = 1
			server = newServer()

			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""), tag(pppoe.TagHostUniq, "x"))
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""), tag(pppoe.TagHostUniq, "x"))
			Expect(server.PendingPADOs()).To(HaveLen(1))
			Expect(server.GetStats()["padi_dropped"]).To(BeZero())

			server.FirePending(clock.Advance(100 * time.Millisecond))
			Expect(transport.Count()).To(Equal(1))
			Expect(server.GetStats()["offers_pending"]).To(Equal(uint64(1)))
		})

		It("should not send PADO at all in a -1 tier", func() {
			cfg.PADODelay = "0,-1:1"
			server = newServer()
			establish(clientMAC, "a")
			before := transport.Count()

			sendPADI(otherMAC, tag(pppoe.TagServiceName, ""))
			Expect(transport.Count()).To(Equal(before))
			Expect(server.PendingPADOs()).To(BeEmpty())
			Expect(server.GetStats()["padi_dropped"]).To(Equal(uint64(1)))
		})
	})

	Describe("Teardown", func() {
		BeforeEach(func() {
			cfg.IdleTimeout = 30 * time.Second
			server = newServer()
		})

		It("should terminate a session from above", func() {
			pads := establish(clientMAC, "a")

			Expect(server.Terminate(pads.SessionID, pppoe.TerminateCauseAdminReset)).To(Succeed())
			padt := transport.Last()
			Expect(padt.Code).To(Equal(uint8(pppoe.CodePADT)))
			Expect(padt.SessionID).To(Equal(pads.SessionID))
			Expect(padt.DstMAC).To(Equal(clientMAC))

			Expect(handler.Downs()).To(HaveLen(1))
			Expect(handler.Downs()[0].Cause).To(Equal(pppoe.TerminateCauseAdminReset))
			Expect(server.GetStats()["padt_sent"]).To(Equal(uint64(1)))

			err := server.Terminate(pads.SessionID, pppoe.TerminateCauseAdminReset)
			Expect(errors.Is(err, pppoe.ErrSessionNotFound)).To(BeTrue())
		})

		It("should tear down idle sessions", func() {
			pads := establish(clientMAC, "a")

			clock.Advance(20 * time.Second)
			server.Touch(pads.SessionID)
			server.Sweep(clock.Advance(20 * time.Second))
			Expect(server.GetSessionCount()).To(Equal(1))

			server.Sweep(clock.Advance(11 * time.Second))
			Expect(server.GetSessionCount()).To(BeZero())
			Expect(transport.Last().Code).To(Equal(uint8(pppoe.CodePADT)))

			downs := handler.Downs()
			Expect(downs).To(HaveLen(1))
			Expect(downs[0].Cause).To(Equal(pppoe.TerminateCauseIdleTimeout))
			Expect(downs[0].Duration).To(Equal(51 * time.Second))
		})

		It("should terminate every session on Stop", func() {
			establish(clientMAC, "a")
			establish(otherMAC, "b")
			sent := transport.Count()

			Expect(server.Stop()).To(Succeed())
			Expect(transport.Count()).To(Equal(sent + 2))
			for _, f := range transport.Sent()[sent:] {
				Expect(f.pkt.Code).To(Equal(uint8(pppoe.CodePADT)))
			}
			Expect(handler.Downs()).To(HaveLen(2))
			Expect(handler.Downs()[0].Cause).To(Equal(pppoe.TerminateCauseNASReboot))
			Expect(transport.Closed()).To(BeTrue())
			Expect(server.GetSessionCount()).To(BeZero())
		})

		It("should refuse new discovery once stopping", func() {
			Expect(server.Stop()).To(Succeed())
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))

			Expect(transport.Count()).To(BeZero())
			Expect(server.GetStats()["padi_dropped"]).To(Equal(uint64(1)))
			Expect(server.Start(context.Background())).To(MatchError(pppoe.ErrServerStopping))
		})

		It("should allow stop to be called multiple times", func() {
			Expect(server.Stop()).To(Succeed())
			Expect(server.Stop()).To(Succeed())
		})
	})

	Describe("Event ordering", func() {
		var (
			entered <-chan struct{}
			release chan<- struct{}
			padr    chan struct{}
		)

		// startPADR leaves a PADR blocked in its PADS write.
		startPADR := func() {
			sendPADI(clientMAC, tag(pppoe.TagServiceName, ""))
			cookie := cookieOf(transport.Last())

			entered, release = transport.Hold(pppoe.CodePADS)
			padr = make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(padr)
				sendPADR(clientMAC, tag(pppoe.TagServiceName, "internet"), cookie)
			}()
			Eventually(entered).Should(BeClosed())
		}

		BeforeEach(func() {
			server = newServer()
		})

		It("should report SessionUp before a racing Stop tears the session down", func() {
			startPADR()

			stopped := make(chan error, 1)
			go func() { stopped <- server.Stop() }()
			Consistently(handler.Order, 100*time.Millisecond).Should(BeEmpty())

			close(release)
			Eventually(padr).Should(BeClosed())
			var err error
			Eventually(stopped).Should(Receive(&err))
			Expect(err).NotTo(HaveOccurred())

			Expect(handler.Order()).To(Equal([]string{"up", "down"}))
			sent := transport.Sent()
			Expect(sent[len(sent)-2].pkt.Code).To(Equal(uint8(pppoe.CodePADS)))
			Expect(sent[len(sent)-1].pkt.Code).To(Equal(uint8(pppoe.CodePADT)))
		})

		It("should report SessionUp before a racing Terminate", func() {
			startPADR()

			terminated := make(chan error, 1)
			go func() { terminated <- server.Terminate(1, pppoe.TerminateCauseAdminReset) }()
			Consistently(handler.Order, 100*time.Millisecond).Should(BeEmpty())

			close(release)
			var err error
			Eventually(terminated).Should(Receive(&err))
			Expect(err).NotTo(HaveOccurred())
			Eventually(padr).Should(BeClosed())

			Expect(handler.Order()).To(Equal([]string{"up", "down"}))
			Expect(transport.Last().Code).To(Equal(uint8(pppoe.CodePADT)))
		})
	})

	Describe("Packet context", func() {
		It("should process frames read from the transport", func() {
			server = newServer()
			Expect(server.Start(context.Background())).To(Succeed())
			defer server.Stop()

			transport.frames <- frame(clientMAC, bcastMAC, pppoe.CodePADI, 0, tag(pppoe.TagServiceName, ""))
			Eventually(transport.Count).Should(Equal(1))
			Expect(transport.Last().Code).To(Equal(uint8(pppoe.CodePADO)))
		})

		It("should fire delayed PADOs from its timer", func() {
			cfg.PADODelay = "20"
			s, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", serverMAC),
				pppoe.WithTransport(transport))
			Expect(err).NotTo(HaveOccurred())
			server = s
			Expect(server.Start(context.Background())).To(Succeed())
			defer server.Stop()

			transport.frames <- frame(clientMAC, bcastMAC, pppoe.CodePADI, 0, tag(pppoe.TagServiceName, ""))
			Eventually(transport.Count).Should(Equal(1))
			Expect(transport.Last().Code).To(Equal(uint8(pppoe.CodePADO)))
		})

		It("should back off while the socket keeps failing", func() {
			failing := newFailingTransport()
			s, err := pppoe.NewServerWithInterface(cfg, logger, testInterface("eth0", serverMAC),
				pppoe.WithTransport(failing))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Start(context.Background())).To(Succeed())

			time.Sleep(150 * time.Millisecond)
			Expect(failing.reads.Load()).To(BeNumerically("<", 20))
			Expect(s.Stop()).To(Succeed())
		})

		It("should refuse to start twice", func() {
			server = newServer()
			Expect(server.Start(context.Background())).To(Succeed())
			defer server.Stop()
			Expect(server.Start(context.Background())).NotTo(Succeed())
		})
	})
})
