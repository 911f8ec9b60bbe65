package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"stock-engine/internal/core"
	"stock-engine/internal/db"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}

	ctx := context.Background()
	pool, err := db.NewPoolFromEnv(ctx)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	engine := core.NewEngine(pool)
	args := os.Args[2:]

	switch os.Args[1] {
	case "receive":
		fs := flag.NewFlagSet("receive", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		location := fs.String("location", "", "location code (empty = unplaced)")
		lot := fs.String("lot", "", "lot number")
		qty := fs.String("qty", "", "quantity")
		cost := fs.String("cost", "0", "unit cost")
		expiry := fs.String("expiry", "", "expiry date YYYY-MM-DD")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.Receive(ctx, core.ReceiveRequest{
			ProductCode:    *product,
			WarehouseCode:  *warehouse,
			LocationCode:   *location,
			LotNumber:      *lot,
			Quantity:       mustDecimal(*qty),
			UnitCost:       mustDecimal(*cost),
			ExpiryDate:     parseDate(*expiry),
			Actor:          *actor,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Receive failed: %v", err)
		}
		printJSON(res)

	case "reserve":
		fs := flag.NewFlagSet("reserve", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		qty := fs.String("qty", "", "quantity")
		lot := fs.String("lot", "", "lot hint (empty = FEFO across lots)")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.Reserve(ctx, core.ReserveRequest{
			ProductCode:    *product,
			WarehouseCode:  *warehouse,
			Quantity:       mustDecimal(*qty),
			LotHint:        *lot,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Reserve failed: %v", err)
		}
		printJSON(res)

	case "ship":
		fs := flag.NewFlagSet("ship", flag.ExitOnError)
		ref := fs.String("reservation", "", "reservation reference")
		qty := fs.String("qty", "", "quantity to ship")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.Ship(ctx, core.ShipRequest{
			ReservationRef: mustUUID(*ref),
			Quantity:       mustDecimal(*qty),
			Actor:          *actor,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Ship failed: %v", err)
		}
		printJSON(res)

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ExitOnError)
		ref := fs.String("reservation", "", "reservation reference")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.CancelReservation(ctx, core.CancelReservationRequest{
			ReservationRef: mustUUID(*ref),
			Actor:          *actor,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Cancel failed: %v", err)
		}
		printJSON(res)

	case "transfer":
		fs := flag.NewFlagSet("transfer", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		from := fs.String("from", "", "source location (empty = unplaced)")
		to := fs.String("to", "", "target location")
		lot := fs.String("lot", "", "lot number")
		qty := fs.String("qty", "", "quantity")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.Transfer(ctx, core.TransferRequest{
			ProductCode:      *product,
			WarehouseCode:    *warehouse,
			FromLocationCode: *from,
			ToLocationCode:   *to,
			LotNumber:        *lot,
			Quantity:         mustDecimal(*qty),
			Actor:            *actor,
			IdempotencyKey:   *key,
		})
		if err != nil {
			log.Fatalf("Transfer failed: %v", err)
		}
		printJSON(res)

	case "putaway":
		fs := flag.NewFlagSet("putaway", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		to := fs.String("to", "", "target location (empty = auto-pick)")
		lot := fs.String("lot", "", "lot number")
		qty := fs.String("qty", "", "quantity")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.Putaway(ctx, core.PutawayRequest{
			ProductCode:    *product,
			WarehouseCode:  *warehouse,
			ToLocationCode: *to,
			LotNumber:      *lot,
			Quantity:       mustDecimal(*qty),
			Actor:          *actor,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Putaway failed: %v", err)
		}
		printJSON(res)

	case "adjust":
		fs := flag.NewFlagSet("adjust", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		location := fs.String("location", "", "location code (empty = unplaced)")
		lot := fs.String("lot", "", "lot number")
		delta := fs.String("delta", "", "signed quantity delta")
		reason := fs.String("reason", "", "reason code")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.Adjust(ctx, core.AdjustRequest{
			ProductCode:    *product,
			WarehouseCode:  *warehouse,
			LocationCode:   *location,
			LotNumber:      *lot,
			Delta:          mustDecimal(*delta),
			ReasonCode:     *reason,
			Actor:          *actor,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Adjust failed: %v", err)
		}
		printJSON(res)

	case "count":
		fs := flag.NewFlagSet("count", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		location := fs.String("location", "", "location code (empty = unplaced)")
		lot := fs.String("lot", "", "lot number")
		observed := fs.String("observed", "", "observed quantity")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.Count(ctx, core.CountRequest{
			ProductCode:    *product,
			WarehouseCode:  *warehouse,
			LocationCode:   *location,
			LotNumber:      *lot,
			Observed:       mustDecimal(*observed),
			Actor:          *actor,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Count failed: %v", err)
		}
		printJSON(res)

	case "damage":
		fs := flag.NewFlagSet("damage", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		location := fs.String("location", "", "location code (empty = unplaced)")
		lot := fs.String("lot", "", "lot number")
		qty := fs.String("qty", "", "damaged quantity")
		reason := fs.String("reason", "", "reason code")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		res, err := engine.MarkDamaged(ctx, core.DamageRequest{
			ProductCode:    *product,
			WarehouseCode:  *warehouse,
			LocationCode:   *location,
			LotNumber:      *lot,
			Quantity:       mustDecimal(*qty),
			ReasonCode:     *reason,
			Actor:          *actor,
			IdempotencyKey: *key,
		})
		if err != nil {
			log.Fatalf("Damage failed: %v", err)
		}
		printJSON(res)

	case "quarantine", "release":
		fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		location := fs.String("location", "", "location code (empty = unplaced)")
		lot := fs.String("lot", "", "lot number")
		reason := fs.String("reason", "", "reason code")
		actor := fs.String("actor", "cli", "actor")
		key := fs.String("key", "", "idempotency key")
		fs.Parse(args)

		req := core.QuarantineRequest{
			ProductCode:    *product,
			WarehouseCode:  *warehouse,
			LocationCode:   *location,
			LotNumber:      *lot,
			ReasonCode:     *reason,
			Actor:          *actor,
			IdempotencyKey: *key,
		}
		var res *core.AdjustResult
		if os.Args[1] == "quarantine" {
			res, err = engine.Quarantine(ctx, req)
		} else {
			res, err = engine.ReleaseQuarantine(ctx, req)
		}
		if err != nil {
			log.Fatalf("%s failed: %v", os.Args[1], err)
		}
		printJSON(res)

	case "stock":
		fs := flag.NewFlagSet("stock", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		lot := fs.String("lot", "", "lot number (empty = all lots)")
		fs.Parse(args)

		res, err := engine.CurrentStock(ctx, *product, *warehouse, *lot)
		if err != nil {
			log.Fatalf("Stock query failed: %v", err)
		}
		printJSON(res)

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		product := fs.String("product", "", "product code")
		warehouse := fs.String("warehouse", "", "warehouse code")
		lot := fs.String("lot", "", "lot number")
		since := fs.String("since", "", "only entries at or after RFC3339 timestamp")
		fs.Parse(args)

		f := core.MovementFilter{ProductCode: *product, WarehouseCode: *warehouse, LotNumber: *lot}
		if *since != "" {
			t, err := time.Parse(time.RFC3339, *since)
			if err != nil {
				log.Fatalf("Invalid -since: %v", err)
			}
			f.Since = &t
		}
		enc := json.NewEncoder(os.Stdout)
		err := engine.MovementHistory(ctx, f, func(e core.MovementEntry) error {
			return enc.Encode(e)
		})
		if err != nil {
			log.Fatalf("History failed: %v", err)
		}

	case "reconcile":
		fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
		warehouse := fs.String("warehouse", "", "warehouse code (empty = all)")
		fs.Parse(args)

		discrepancies, err := core.NewReconciler(pool).Reconcile(ctx, *warehouse)
		if err != nil {
			log.Fatalf("Reconcile failed: %v", err)
		}
		if len(discrepancies) == 0 {
			fmt.Println("Ledger matches movement log.")
			return
		}
		printJSON(discrepancies)
		os.Exit(1)

	case "rebuild":
		if err := core.NewReconciler(pool).RebuildLotLedger(ctx); err != nil {
			log.Fatalf("Rebuild failed: %v", err)
		}
		log.Println("Lot ledger rebuilt from movement log.")

	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: engine <command> [flags]

Commands:
  receive     book a goods receipt
  reserve     place a FEFO hold on stock
  ship        consume a reservation (partial allowed)
  cancel      cancel the unshipped rest of a reservation
  transfer    move a lot between locations
  putaway     place unplaced stock into a location
  adjust      apply a signed correction
  count       record a cycle count
  damage      write off damaged quantity
  quarantine  place a lot record on quality hold
  release     release a quality hold
  stock       show current stock for a product
  history     stream the movement log
  reconcile   compare ledger against movement log
  rebuild     rebuild lot ledger from movement log`)
	os.Exit(2)
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid quantity %q: %v", s, err)
	}
	return d
}

func mustUUID(s string) uuid.UUID {
	u, err := uuid.Parse(s)
	if err != nil {
		log.Fatalf("Invalid reference %q: %v", s, err)
	}
	return u
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		log.Fatalf("Invalid date %q: %v", s, err)
	}
	return &t
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
