package main

import (
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/Clouded-Sabre/ardp/config"
	"github.com/Clouded-Sabre/ardp/stream"
)

func main() {
	serviceIP := flag.String("serviceIP", "127.0.0.1", "Service IP address to listen on")
	port := flag.Int("port", 9700, "Service UDP port")
	configFile := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configFile)
	if err != nil {
		log.Println("Configuration file error, using defaults:", err)
		config.AppConfig = config.DefaultConfig()
	}

	laddr := fmt.Sprintf("%s:%d", *serviceIP, *port)
	core, err := stream.NewCore(stream.NewCoreConfig(config.AppConfig, laddr))
	if err != nil {
		log.Fatalln("Core start error:", err)
	}
	defer core.Close()

	srv := core.Listen()
	log.Printf("Echo server listening on %s\n", laddr)

	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Println("Accept error:", err)
			return
		}
		log.Printf("New connection from %s\n", conn.RemoteAddr())
		go handleConn(conn)
	}
}

func handleConn(c *stream.Conn) {
	defer c.Close()
	buf := make([]byte, 65536)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Println("Connection closed by client")
				return
			}
			log.Println("Read error:", err)
			return
		}
		_, err = c.Write(buf[:n])
		if err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}
