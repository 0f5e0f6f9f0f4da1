/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// ptpmgmt is a small management client, a pmc of sorts: it sends GET
// requests to a running daemon and pretty-prints the responses.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

var (
	targetFlag  string
	timeoutFlag time.Duration
)

func managementRequest(id ptp.ManagementID) *ptp.Management {
	return &ptp.Management{
		ManagementMsgHead: ptp.ManagementMsgHead{
			Header: ptp.Header{
				SdoIDAndMsgType: ptp.NewSdoIDAndMsgType(ptp.MessageManagement, 0),
				Version:         ptp.Version,
				SourcePortIdentity: ptp.PortIdentity{
					ClockIdentity: 0,
					PortNumber:    uint16(os.Getpid()),
				},
				LogMessageInterval: ptp.MgmtLogMessageInterval,
			},
			TargetPortIdentity: ptp.DefaultTargetPortIdentity,
			ActionField:        ptp.GET,
		},
		TLV: &ptp.ManagementTLVHead{
			TLVHead:      ptp.TLVHead{TLVType: ptp.TLVManagement, LengthField: 2},
			ManagementID: id,
		},
	}
}

func communicate(req *ptp.Management) (ptp.Packet, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(targetFlag, fmt.Sprintf("%d", ptp.PortGeneral)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	b, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(b, raddr); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeoutFlag)); err != nil {
		return nil, err
	}
	response := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(response)
	if err != nil {
		return nil, err
	}
	return ptp.DecodePacket(response[:n])
}

func runGet(id ptp.ManagementID) {
	rsp, err := communicate(managementRequest(id))
	if err != nil {
		log.Fatal(err)
	}
	switch p := rsp.(type) {
	case *ptp.ManagementMsgErrorStatus:
		color.Red("%s: %s", id, p.ManagementErrorID)
	case *ptp.Management:
		color.Green("%s from %s:", id, p.SourcePortIdentity)
		switch tlv := p.TLV.(type) {
		case *ptp.PortDataSetTLV:
			fmt.Printf("  portIdentity            %s\n", tlv.PortIdentity)
			fmt.Printf("  portState               %s\n", tlv.PortState)
			fmt.Printf("  logMinDelayReqInterval  %d\n", tlv.LogMinDelayReqInterval)
			fmt.Printf("  peerMeanPathDelay       %s\n", tlv.PeerMeanPathDelay)
			fmt.Printf("  logAnnounceInterval     %d\n", tlv.LogAnnounceInterval)
			fmt.Printf("  announceReceiptTimeout  %d\n", tlv.AnnounceReceiptTimeout)
			fmt.Printf("  logSyncInterval         %d\n", tlv.LogSyncInterval)
			fmt.Printf("  delayMechanism          %s\n", tlv.DelayMechanism)
			fmt.Printf("  logMinPdelayReqInterval %d\n", tlv.LogMinPdelayReqInterval)
			fmt.Printf("  versionNumber           %d\n", tlv.VersionNumber)
		case *ptp.PortDataSetNPTLV:
			fmt.Printf("  neighborPropDelayThresh %d\n", tlv.NeighborPropDelayThresh)
			fmt.Printf("  asCapable               %d\n", tlv.AsCapable)
		case *ptp.PortPropertiesNPTLV:
			fmt.Printf("  portIdentity %s\n", tlv.PortIdentity)
			fmt.Printf("  portState    %s\n", tlv.PortState)
			fmt.Printf("  interface    %s\n", tlv.Interface)
		case *ptp.ClockDescriptionTLV:
			fmt.Printf("  clockType          0x%04x\n", tlv.ClockType)
			fmt.Printf("  physicalLayer      %s\n", tlv.PhysicalLayerProtocol)
			fmt.Printf("  physicalAddress    %x\n", []byte(tlv.PhysicalAddress))
			fmt.Printf("  productDescription %s\n", tlv.ProductDescription)
			fmt.Printf("  revisionData       %s\n", tlv.RevisionData)
		default:
			fmt.Printf("  %+v\n", tlv)
		}
	default:
		log.Fatalf("unexpected response %T", rsp)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ptpmgmt",
		Short: "PTP management client",
	}
	rootCmd.PersistentFlags().StringVarP(&targetFlag, "target", "t", "127.0.0.1", "daemon address to query")
	rootCmd.PersistentFlags().DurationVarP(&timeoutFlag, "timeout", "w", 2*time.Second, "response timeout")

	ids := map[string]ptp.ManagementID{
		"port-data-set":      ptp.IDPortDataSet,
		"port-data-set-np":   ptp.IDPortDataSetNP,
		"port-properties-np": ptp.IDPortPropertiesNP,
		"clock-description":  ptp.IDClockDescription,
		"delay-mechanism":    ptp.IDDelayMechanism,
		"log-sync-interval":  ptp.IDLogSyncInterval,
		"version-number":     ptp.IDVersionNumber,
	}
	for name, id := range ids {
		id := id
		rootCmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("GET %s", id),
			Run: func(cmd *cobra.Command, args []string) {
				runGet(id)
			},
		})
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
