package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/ignite/sendpipe/migrations"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	version := flag.Bool("version", false, "print the applied schema version and exit")
	flag.Parse()

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	switch {
	case *version:
		v, dirty, err := migrations.Version(dsn)
		if err != nil {
			log.Fatalf("version: %v", err)
		}
		fmt.Printf("version %d (dirty=%v)\n", v, dirty)
	case *down > 0:
		if err := migrations.Down(dsn, *down); err != nil {
			log.Fatal(err)
		}
		log.Printf("Rolled back %d migration(s)", *down)
	default:
		if err := migrations.Up(dsn); err != nil {
			log.Fatal(err)
		}
		log.Println("Migrations complete")
	}
}
