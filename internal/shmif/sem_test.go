package shmif

import "testing"

func TestSemaphoreCreateOpenPostWait(t *testing.T) {
	name := "shmiftest_sem_e"
	defer UnlinkSemaphore(name)

	sem, err := CreateSemaphore(name, 0)
	if err != nil {
		t.Fatalf("CreateSemaphore: %v", err)
	}
	defer sem.Close()

	ok, err := sem.TryWait()
	if err != nil {
		t.Fatalf("TryWait: %v", err)
	}
	if ok {
		t.Fatal("TryWait succeeded on a zero-count semaphore")
	}

	if err := sem.Post(); err != nil {
		t.Fatalf("Post: %v", err)
	}

	other, err := OpenSemaphore(name)
	if err != nil {
		t.Fatalf("OpenSemaphore: %v", err)
	}
	defer other.Close()

	if err := other.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestOpenSemaphoreMissing(t *testing.T) {
	if _, err := OpenSemaphore("shmiftest_does_not_exist_e"); err != ErrSemaphoreNotFound {
		t.Fatalf("err = %v, want ErrSemaphoreNotFound", err)
	}
}
