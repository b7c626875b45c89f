// dropgw is a lossy UDP gateway: it forwards datagrams between a client
// and a target server, randomly dropping a fraction of them in each
// direction. Point an echoclient at the gateway and the gateway at an
// echoserver to soak the retransmission path.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"time"
)

var (
	listenAddr string
	targetAddr string
	dropRate   float64
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:9800", "Gateway listen address")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:9700", "Target server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Datagram drop rate (0.0-1.0)")
	flag.Parse()
}

func main() {
	laddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		log.Fatalln("Bad listen address:", err)
	}
	taddr, err := net.ResolveUDPAddr("udp4", targetAddr)
	if err != nil {
		log.Fatalln("Bad target address:", err)
	}

	front, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	defer front.Close()

	back, err := net.DialUDP("udp4", nil, taddr)
	if err != nil {
		log.Fatalln("Dial target error:", err)
	}
	defer back.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	log.Printf("Gateway %s <-> %s, drop rate %.2f\n", listenAddr, targetAddr, dropRate)

	var clientAddr *net.UDPAddr

	// client -> target
	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := front.ReadFromUDP(buf)
			if err != nil {
				log.Println("Front read error:", err)
				return
			}
			clientAddr = addr
			if rng.Float64() < dropRate {
				log.Printf("Dropped %d bytes client->target\n", n)
				continue
			}
			if _, err := back.Write(buf[:n]); err != nil {
				log.Println("Back write error:", err)
				return
			}
		}
	}()

	// target -> client
	buf := make([]byte, 65536)
	for {
		n, err := back.Read(buf)
		if err != nil {
			log.Println("Back read error:", err)
			return
		}
		if clientAddr == nil {
			continue
		}
		if rng.Float64() < dropRate {
			log.Printf("Dropped %d bytes target->client\n", n)
			continue
		}
		if _, err := front.WriteToUDP(buf[:n], clientAddr); err != nil {
			log.Println("Front write error:", err)
			return
		}
	}
}
