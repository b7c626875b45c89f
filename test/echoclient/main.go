package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/Clouded-Sabre/ardp/config"
	"github.com/Clouded-Sabre/ardp/stream"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9700", "Echo server address")
	count := flag.Int("count", 10, "Number of messages to send")
	size := flag.Int("size", 1400, "Message size in bytes")
	interval := flag.Int("interval", 200, "Milliseconds between messages")
	configFile := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configFile)
	if err != nil {
		log.Println("Configuration file error, using defaults:", err)
		config.AppConfig = config.DefaultConfig()
	}

	core, err := stream.NewCore(stream.NewCoreConfig(config.AppConfig, "127.0.0.1:0"))
	if err != nil {
		log.Fatalln("Core start error:", err)
	}
	defer core.Close()

	conn, err := core.Dial(*serverAddr)
	if err != nil {
		log.Fatalln("Dial error:", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s\n", *serverAddr)

	msg := make([]byte, *size)
	echo := make([]byte, *size)
	for i := 0; i < *count; i++ {
		for j := range msg {
			msg[j] = byte(i + j)
		}
		if _, err := conn.Write(msg); err != nil {
			log.Fatalln("Write error:", err)
		}

		got := 0
		for got < len(echo) {
			n, err := conn.Read(echo[got:])
			if err != nil {
				log.Fatalln("Read error:", err)
			}
			got += n
		}
		if !bytes.Equal(msg, echo) {
			log.Fatalf("Echo mismatch on message %d\n", i)
		}
		fmt.Printf("message %d: %d bytes echoed\n", i, got)
		time.Sleep(time.Duration(*interval) * time.Millisecond)
	}
	log.Println("All messages echoed correctly")
}
